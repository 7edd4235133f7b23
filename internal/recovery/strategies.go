package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"procflow/internal/syncbus"
	"procflow/pkg/logging"
)

// Strategy is one way of recovering an authorization result. Attempt
// blocks until a matching result arrives, the context is cancelled, or
// the strategy concludes nothing will arrive. Losing strategies are torn
// down via context cancellation and must leave any one-shot payload on
// disk unconsumed.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context) (*Result, error)
}

const (
	// resultDirName is the state-dir subdirectory for authorization
	// result files.
	resultDirName = "authresult"

	// wellKnownResultFile is the path the redirect page writes when the
	// flow completes normally.
	wellKnownResultFile = "result.json"

	// maxSweepFiles bounds the extended sweep. The sweep trades
	// precision for resilience against misnamed result files, so it
	// stays bounded.
	maxSweepFiles = 20
)

// resultFileStrategy polls the well-known result file path.
type resultFileStrategy struct {
	resultDir     string
	expectedState string
	pollInterval  time.Duration
}

func (s *resultFileStrategy) Name() string { return "result_file" }

func (s *resultFileStrategy) Attempt(ctx context.Context) (*Result, error) {
	path := filepath.Join(s.resultDir, wellKnownResultFile)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if result := readResultFile(path, s.expectedState); result != nil {
			// Winner consumes the one-shot payload
			os.Remove(path)
			result.Method = s.Name()
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// busListenStrategy waits for a login event carrying the expected state.
type busListenStrategy struct {
	bus           *syncbus.Bus
	expectedState string
}

func (s *busListenStrategy) Name() string { return "syncbus" }

func (s *busListenStrategy) Attempt(ctx context.Context) (*Result, error) {
	matched := make(chan *Result, 1)
	unsubscribe := s.bus.Subscribe(func(e syncbus.Event) {
		if e.Kind != syncbus.KindLogin || e.Payload["state"] != s.expectedState {
			return
		}
		result := &Result{
			State:            e.Payload["state"],
			Code:             e.Payload["code"],
			Error:            e.Payload["error"],
			ErrorDescription: e.Payload["error_description"],
			Method:           s.Name(),
			ReceivedAt:       time.Now(),
		}
		select {
		case matched <- result:
		default:
		}
	})
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-matched:
		return result, nil
	}
}

// proxyListenerStrategy accepts a redirect that landed on this host
// because of a misconfigured redirect URI. Only requests from an
// allow-listed origin are honored.
type proxyListenerStrategy struct {
	port           int
	allowedOrigins []string
	expectedState  string
}

func (s *proxyListenerStrategy) Name() string { return "redirect_proxy" }

func (s *proxyListenerStrategy) Attempt(ctx context.Context) (*Result, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", s.port))
	if err != nil {
		return nil, fmt.Errorf("redirect proxy listener unavailable: %w", err)
	}

	matched := make(chan *Result, 1)
	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.originAllowed(r) {
				logging.Warn("Recovery", "Redirect proxy rejected request from disallowed origin")
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}

			query := r.URL.Query()
			if query.Get("state") != s.expectedState {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			}

			result := &Result{
				State:            query.Get("state"),
				Code:             query.Get("code"),
				Error:            query.Get("error"),
				ErrorDescription: query.Get("error_description"),
				Method:           s.Name(),
				ReceivedAt:       time.Now(),
			}
			select {
			case matched <- result:
			default:
			}

			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><body><p>Sign-in result received. You can close this window.</p></body></html>")
		}),
	}

	go server.Serve(listener)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-matched:
		return result, nil
	}
}

// originAllowed checks the request's Origin (or Referer) against the
// allow-list. Requests without either header are treated as direct
// browser navigations and allowed.
func (s *proxyListenerStrategy) originAllowed(r *http.Request) bool {
	source := r.Header.Get("Origin")
	if source == "" {
		source = r.Header.Get("Referer")
	}
	if source == "" {
		return true
	}

	parsed, err := url.Parse(source)
	if err != nil {
		return false
	}

	for _, allowed := range s.allowedOrigins {
		a, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if strings.EqualFold(a.Scheme, parsed.Scheme) && strings.EqualFold(a.Host, parsed.Host) {
			return true
		}
	}
	return false
}

// extendedSweepStrategy scans the result directory for heuristically
// named result files. Bounded in file count and gated behind an initial
// delay so the precise strategies get first chance.
type extendedSweepStrategy struct {
	resultDir     string
	expectedState string
	pollInterval  time.Duration
	initialDelay  time.Duration
}

func (s *extendedSweepStrategy) Name() string { return "extended_sweep" }

func (s *extendedSweepStrategy) Attempt(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.initialDelay):
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if result, path := s.sweep(); result != nil {
			os.Remove(path)
			result.Method = s.Name()
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweep scans candidate files and returns the first matching result with
// its path.
func (s *extendedSweepStrategy) sweep() (*Result, string) {
	entries, err := os.ReadDir(s.resultDir)
	if err != nil {
		return nil, ""
	}

	var candidates []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if !strings.Contains(name, "result") && !strings.Contains(name, "auth") && !strings.Contains(name, "callback") {
			continue
		}
		candidates = append(candidates, name)
	}

	sort.Strings(candidates)
	if len(candidates) > maxSweepFiles {
		candidates = candidates[:maxSweepFiles]
	}

	for _, name := range candidates {
		path := filepath.Join(s.resultDir, name)
		if result := readResultFile(path, s.expectedState); result != nil {
			return result, path
		}
	}
	return nil, ""
}

// readResultFile parses a result file and returns it only when the state
// matches. Non-matching files are left untouched.
func readResultFile(path, expectedState string) *Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	if result.State != expectedState {
		return nil
	}

	result.ReceivedAt = time.Now()
	return &result
}
