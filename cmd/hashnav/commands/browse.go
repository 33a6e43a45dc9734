package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/yshengliao/hashnav/internal/bootstrap"
	"github.com/yshengliao/hashnav/internal/views"
	"github.com/yshengliao/hashnav/pkg/inflight"
	"github.com/yshengliao/hashnav/router"
)

const browseHelp = `commands:
  <fragment>   navigate, e.g. /places?region=asia or #/places/3
  ?<text>      search places (debounced)
  :back        previous fragment
  :clear       empty the cache
  :keys        list cached keys
  :stats       cache and transport counters
  :q           quit
`

// printer writes views to w and remembers the fragment of the last finished view.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

func (p *printer) Render(v views.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.Kind == views.KindLoading {
		fmt.Fprintf(p.w, "loading #%s ...\n", v.Fragment)
		return
	}
	p.last = v.Fragment
	fmt.Fprintf(p.w, "#%s\n%s", v.Fragment, v.Body)
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) shows(fragment string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last == fragment
}

// waitFor polls until the view of fragment() is on screen or timeout passes.
func waitFor(p *printer, fragment func() string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for !p.shows(fragment()) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func newBrowseCmd(opts *globalOptions) *cobra.Command {
	var start string

	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Browse the places API from the terminal",
		Long: `browse reads fragments from standard input and renders the matching view.
Each new fragment cancels the load of the previous one.

` + browseHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			rt, err := bootstrap.NewRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := &printer{w: cmd.OutOrStdout()}
			app := views.NewApp(rt.Cache, cfg.HTTP.BaseURL, logger.Named("views"))
			client := app.NewClient(ctx, out,
				router.WithDefaultPath(cfg.Router.DefaultPath),
				router.WithLocation(router.NewMemoryLocation(start)),
			)
			defer client.Close()
			client.Start()

			search := inflight.NewDebouncer(inflight.DefaultDebounce)
			defer search.Stop()

			settle := cfg.Retry.Policy().Budget() + time.Second
			b := &browser{ctx: ctx, rt: rt, client: client, out: out, search: search}
			err = b.run(cmd.InOrStdin())
			// Let a pending search fire and the last view finish before the client is torn down.
			waitFor(out, func() string {
				if b.searching.Load() {
					return "\x00"
				}
				return client.Current()
			}, settle+inflight.DefaultDebounce)
			return err
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "initial fragment (defaults to router.default_path)")
	return cmd
}

type browser struct {
	ctx    context.Context
	rt     *bootstrap.Runtime
	client *views.Client
	out    *printer
	search *inflight.Debouncer
	// searching is set while a debounced search has not navigated yet.
	searching atomic.Bool
}

func (b *browser) run(in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if b.ctx.Err() != nil {
			return nil
		}
		quit, err := b.exec(strings.TrimSpace(sc.Text()))
		if err != nil {
			b.out.printf("error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return sc.Err()
}

func (b *browser) exec(line string) (quit bool, err error) {
	switch {
	case line == "":
		return false, nil
	case line == ":q" || line == ":quit":
		return true, nil
	case line == ":help":
		b.out.printf("%s", browseHelp)
	case line == ":back":
		if !b.client.Back() {
			b.out.printf("no history\n")
		}
	case line == ":clear":
		n, err := b.rt.Cache.Clear(b.ctx)
		if err != nil {
			return false, err
		}
		b.out.printf("cleared %d entries\n", n)
	case line == ":keys":
		keys, err := b.rt.Cache.Keys(b.ctx)
		if err != nil {
			return false, err
		}
		for _, k := range keys {
			b.out.printf("%s\n", k)
		}
		b.out.printf("%d keys\n", len(keys))
	case line == ":stats":
		stats, err := json.MarshalIndent(map[string]any{
			"cache":     b.rt.Cache.Stats(),
			"transport": b.rt.Client.Metrics(),
		}, "", "  ")
		if err != nil {
			return false, err
		}
		b.out.printf("%s\n", stats)
	case strings.HasPrefix(line, "?"):
		term := strings.TrimSpace(line[1:])
		b.searching.Store(true)
		b.search.Trigger(func() {
			defer b.searching.Store(false)
			b.client.Router().NavigateTo(views.PathList, map[string]string{"q": term})
		})
	case strings.HasPrefix(line, ":"):
		b.out.printf("unknown command %s, try :help\n", line)
	default:
		b.client.Navigate(line)
	}
	return false, nil
}
