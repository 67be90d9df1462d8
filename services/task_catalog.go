package services

import (
	_ "embed"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gosimple/slug"
	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed tasks.json
var defaultTasks []byte

// Prompt is the pose both duel participants have to reproduce.
type Prompt struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}

// TaskCatalog hands out random prompts from a {category: [prompt]} file.
type TaskCatalog struct {
	categories []string
	tasks      map[string][]string

	mu  sync.Mutex
	rng *rand.Rand
}

// LoadTaskCatalog reads the catalog at path, or the built-in one when path is
// empty.
func LoadTaskCatalog(path string) (*TaskCatalog, error) {
	raw := defaultTasks
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read task catalog %s", path)
		}
		raw = data
	}

	var tasks map[string][]string
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, eris.Wrap(err, "failed to parse task catalog")
	}
	return NewTaskCatalog(tasks, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func NewTaskCatalog(tasks map[string][]string, rng *rand.Rand) (*TaskCatalog, error) {
	c := &TaskCatalog{tasks: make(map[string][]string), rng: rng}
	for category, prompts := range tasks {
		var kept []string
		for _, p := range prompts {
			if p = strings.TrimSpace(p); p != "" {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			continue
		}
		c.tasks[category] = kept
		c.categories = append(c.categories, category)
	}
	if len(c.categories) == 0 {
		return nil, eris.New("task catalog has no prompts")
	}
	// Map order is random; keep draws reproducible for a seeded rng.
	sort.Strings(c.categories)
	return c, nil
}

// RandomPrompt picks a category uniformly, then a prompt within it.
func (c *TaskCatalog) RandomPrompt() Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()

	category := c.categories[c.rng.Intn(len(c.categories))]
	prompts := c.tasks[category]
	return Prompt{Category: category, Text: prompts[c.rng.Intn(len(prompts))]}
}

func (c *TaskCatalog) Categories() []string {
	return append([]string(nil), c.categories...)
}

// CategoryTitle renders "hidden_joy" as "Hidden Joy".
func CategoryTitle(category string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(category, "_", " "))
}

// HintKey is the object name the gateway looks up hint pictures under.
func HintKey(p Prompt) string {
	return slug.Make(p.Text)
}

// TaskInfo describes one prompt for clients rendering the catalog.
type TaskInfo struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	HintKey  string `json:"hint_key"`
}

// Tasks lists every prompt, grouped by category in sorted order.
func (c *TaskCatalog) Tasks() []TaskInfo {
	var out []TaskInfo
	for _, category := range c.categories {
		for _, text := range c.tasks[category] {
			p := Prompt{Category: category, Text: text}
			out = append(out, TaskInfo{Category: category, Title: CategoryTitle(category), Text: text, HintKey: HintKey(p)})
		}
	}
	return out
}
