// Package llmtest provides scripted llm.Client and llm.Embedder doubles.
package llmtest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/liamcoop/ruleassist/llm"
)

// ErrUnscripted is returned for a purpose with no scripted response.
var ErrUnscripted = errors.New("llmtest: no scripted response")

type Response struct {
	Text string
	Err  error
}

type Call struct {
	Purpose string
	Prompt  string
	Options llm.Options
}

// Fake replays responses queued per Options.Purpose. The last response of a
// queue repeats once the queue is drained.
type Fake struct {
	mu      sync.Mutex
	scripts map[string][]Response
	calls   []Call
}

var _ llm.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{scripts: make(map[string][]Response)}
}

// On queues responses for purpose.
func (f *Fake) On(purpose string, responses ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[purpose] = append(f.scripts[purpose], responses...)
	return f
}

// Reply queues successful texts for purpose.
func (f *Fake) Reply(purpose string, texts ...string) *Fake {
	for _, t := range texts {
		f.On(purpose, Response{Text: t})
	}
	return f
}

// Fail queues an error for purpose.
func (f *Fake) Fail(purpose string, err error) *Fake {
	return f.On(purpose, Response{Err: err})
}

func (f *Fake) Complete(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Purpose: opts.Purpose, Prompt: prompt, Options: opts})
	if err := ctx.Err(); err != nil {
		return "", err
	}

	queue := f.scripts[opts.Purpose]
	if len(queue) == 0 {
		return "", fmt.Errorf("%w for purpose %q", ErrUnscripted, opts.Purpose)
	}
	r := queue[0]
	if len(queue) > 1 {
		f.scripts[opts.Purpose] = queue[1:]
	}
	return r.Text, r.Err
}

// Calls returns every call made so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns the number of calls for purpose, or all calls when purpose is empty.
func (f *Fake) CallCount(purpose string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if purpose == "" {
		return len(f.calls)
	}
	n := 0
	for _, c := range f.calls {
		if c.Purpose == purpose {
			n++
		}
	}
	return n
}

// HashEmbedder builds bag-of-words vectors by hashing lower-cased tokens.
// Texts sharing words get a positive cosine similarity.
type HashEmbedder struct {
	Dim int
	Err error
}

var _ llm.Embedder = HashEmbedder{}

func (h HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if h.Err != nil {
		return nil, h.Err
	}
	dim := h.Dim
	if dim <= 0 {
		dim = 64
	}
	vec := make([]float32, dim)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		hash := fnv.New32a()
		_, _ = hash.Write([]byte(tok))
		vec[hash.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}
