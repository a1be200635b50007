package agent

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RenderedResponse is the channel-neutral reply of one turn.
type RenderedResponse struct {
	TextFallback string
	Blocks       []Block
	Meta         map[string]string
}

type responseFile struct {
	Pools map[string][]string `yaml:"pools"`
	// Greetings keyed by time-of-day bucket: morning/afternoon/evening.
	Greetings map[string][]string `yaml:"greetings"`
}

// Renderer turns skill results into channel-neutral responses using a
// template pool with random variants.
type Renderer struct {
	logger *slog.Logger
	loc    *time.Location

	mu        sync.RWMutex
	pools     map[string][]string
	greetings map[string][]string

	rng *rand.Rand
	rmu sync.Mutex
}

// NewRenderer loads the response pool file. A missing file is not
// fatal: built-in fallbacks cover every pool.
func NewRenderer(path string, loc *time.Location, logger *slog.Logger) *Renderer {
	r := &Renderer{
		logger:    logger,
		loc:       loc,
		pools:     map[string][]string{},
		greetings: map[string][]string{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if path != "" {
		if err := r.Reload(path); err != nil {
			logger.Warn("response pool not loaded, using built-ins",
				slog.String("file", path),
				slog.String("error", err.Error()))
		}
	}
	return r
}

// Reload re-parses the response pool file.
func (r *Renderer) Reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading response pool: %w", err)
	}
	var parsed responseFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parsing response pool: %w", err)
	}
	r.mu.Lock()
	if parsed.Pools != nil {
		r.pools = parsed.Pools
	}
	if parsed.Greetings != nil {
		r.greetings = parsed.Greetings
	}
	r.mu.Unlock()
	return nil
}

// Render converts a skill result into the channel-neutral response.
func (r *Renderer) Render(result *SkillResult) *RenderedResponse {
	text := result.Message
	if text == "" {
		if result.OK {
			text = r.Pick("done")
		} else {
			text = r.Pick("error_generic")
		}
	}
	meta := map[string]string{}
	if result.Code != "" {
		meta["code"] = result.Code
	}
	return &RenderedResponse{
		TextFallback: text,
		Blocks:       result.Blocks,
		Meta:         meta,
	}
}

// Pick returns a random variant from a pool, with built-in fallbacks.
func (r *Renderer) Pick(pool string) string {
	r.mu.RLock()
	variants := r.pools[pool]
	r.mu.RUnlock()
	if len(variants) == 0 {
		variants = builtinPools[pool]
	}
	if len(variants) == 0 {
		return ""
	}
	return variants[r.intn(len(variants))]
}

// Greeting returns a time-of-day-aware greeting variant.
func (r *Renderer) Greeting(now time.Time) string {
	bucket := timeBucket(now.In(r.loc))
	r.mu.RLock()
	variants := r.greetings[bucket]
	r.mu.RUnlock()
	if len(variants) == 0 {
		variants = builtinGreetings[bucket]
	}
	if len(variants) == 0 {
		return r.Pick("greeting")
	}
	return variants[r.intn(len(variants))]
}

// Fill substitutes {name} placeholders in a picked variant.
func (r *Renderer) Fill(pool string, vars map[string]string) string {
	text := r.Pick(pool)
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text
}

func (r *Renderer) intn(n int) int {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	return r.rng.Intn(n)
}

func timeBucket(t time.Time) string {
	switch h := t.Hour(); {
	case h < 6:
		return "evening"
	case h < 12:
		return "morning"
	case h < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

var builtinPools = map[string][]string{
	"empty_input":    {"请输入内容,例如:查一下我的案件", "您想查点什么?可以说:今天开庭的案件"},
	"done":           {"好的,已处理。", "已完成。"},
	"error_generic":  {"抱歉,刚才的操作没有成功,请稍后再试。", "处理出了点问题,请再试一次。"},
	"cancelled":      {"好的,已取消。", "已取消该操作。"},
	"nothing_to_confirm": {"当前没有待确认的操作。"},
	"no_more_pages":  {"没有更多结果了。"},
	"no_last_result": {"我这里没有可翻页的结果,请先查询。"},
	"bad_referent":   {"没找到对应的条目,请先查询后再用\"第N个\"指代。"},
	"superseded":     {"(已放弃之前未完成的操作)"},
	"implicit_cancel": {"(之前待确认的操作已取消)"},
}

var builtinGreetings = map[string][]string{
	"morning":   {"早上好!需要我帮您查案件还是安排提醒?", "早安,今天从哪件事开始?"},
	"afternoon": {"下午好!有什么可以帮您?", "下午好,需要查询还是记录点什么?"},
	"evening":   {"晚上好!还在加班吗?我可以帮您查询或设提醒。", "晚上好,有什么需要处理的?"},
}
