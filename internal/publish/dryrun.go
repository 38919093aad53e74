package publish

import (
	"context"
	"sync"

	"github.com/google/uuid"

	logx "postbot/pkg/logx"
)

// DryRun logs posts instead of sending them.
type DryRun struct {
	log logx.Logger

	mu    sync.Mutex
	posts []string
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log}
}

func (d *DryRun) Name() string { return "dryrun" }

func (d *DryRun) Publish(ctx context.Context, text string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	id := uuid.NewString()
	d.mu.Lock()
	d.posts = append(d.posts, text)
	d.mu.Unlock()
	d.log.Info("dry-run post", logx.String("id", id), logx.Int("chars", len([]rune(text))), logx.String("text", text))
	return Receipt{ID: id}, nil
}

func (d *DryRun) Verify(context.Context) (Account, error) {
	return Account{ID: "dryrun", Handle: "dryrun"}, nil
}

// Posts returns everything "published" so far.
func (d *DryRun) Posts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.posts...)
}
