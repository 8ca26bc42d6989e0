package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/keo571/netquery-insight-chat/internal/netquery"
	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

// fakeBackend answers every call from its fields and records the prompts it
// was asked to translate.
type fakeBackend struct {
	mu      sync.Mutex
	prompts []string
	dbs     []string

	generate    func(ctx context.Context, prompt string) (*netquery.GenerateResult, error)
	gen         *netquery.GenerateResult
	genErr      error
	exec        *netquery.ExecuteResult
	execErr     error
	interp      *netquery.InterpretResult
	interpErr   error
	interpCalls int
}

func newFakeBackend() *fakeBackend {
	total := 2
	return &fakeBackend{
		gen: &netquery.GenerateResult{QueryID: "q-1", SQL: "SELECT host, status FROM servers"},
		exec: &netquery.ExecuteResult{
			Data: []protocol.Row{
				protocol.NewRow("host", "web-1", "status", "up"),
				protocol.NewRow("host", "web-2", "status", "down"),
			},
			TotalCount: &total,
		},
		interp: &netquery.InterpretResult{
			Interpretation: netquery.Analysis{Summary: "One server is down.", KeyFindings: []string{"web-2 is down"}},
		},
	}
}

func (f *fakeBackend) GenerateSQL(ctx context.Context, prompt, database string) (*netquery.GenerateResult, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.dbs = append(f.dbs, database)
	f.mu.Unlock()
	if f.generate != nil {
		return f.generate(ctx, prompt)
	}
	return f.gen, f.genErr
}

func (f *fakeBackend) Execute(context.Context, string, string) (*netquery.ExecuteResult, error) {
	return f.exec, f.execErr
}

func (f *fakeBackend) Interpret(context.Context, string, string) (*netquery.InterpretResult, error) {
	f.mu.Lock()
	f.interpCalls++
	f.mu.Unlock()
	return f.interp, f.interpErr
}

func (f *fakeBackend) SchemaOverview(context.Context, string) (*protocol.SchemaOverview, error) {
	return nil, errors.New("not used")
}

func (f *fakeBackend) Download(context.Context, string, string) (*netquery.Download, error) {
	return nil, errors.New("not used")
}

func (f *fakeBackend) Health(context.Context) (*netquery.HealthResult, error) {
	return &netquery.HealthResult{Status: "healthy"}, nil
}

func (f *fakeBackend) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}
