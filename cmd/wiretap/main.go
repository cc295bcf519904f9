package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sweeney/asterisk-calltracker/internal/ami"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Asterisk AMI host")
	port := flag.Int("port", 5038, "Asterisk AMI port")
	user := flag.String("user", "admin", "AMI username")
	secret := flag.String("secret", "", "AMI secret")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return
	}

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := ami.NewClient(ami.ClientOptions{
		Addr:        net.JoinHostPort(*host, strconv.Itoa(*port)),
		Username:    *user,
		Secret:      *secret,
		DialTimeout: 10 * time.Second,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})

	if err := capture(ctx, client, *outDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// session is the part of ami.Client the capture loop uses.
type session interface {
	Connect(ctx context.Context) error
	RegisterEventHandler(pattern string, fn func(ami.Event))
	Done() <-chan struct{}
	Close() error
}

// capture logs in and appends every event to a timestamped .raw file in
// outDir until ctx is cancelled or the session ends.
func capture(ctx context.Context, s session, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Printf("writing to %s\n", filename)

	w := &captureWriter{w: bufio.NewWriter(f)}
	defer w.Flush()
	s.RegisterEventHandler("*", w.Write)

	if err := s.Connect(ctx); err != nil {
		return err
	}
	defer s.Close()

	fmt.Println("streaming events (ctrl+c to stop)...")
	select {
	case <-ctx.Done():
	case <-s.Done():
		fmt.Println("AMI session closed by peer")
	}
	fmt.Printf("captured %d events\n", w.Count())
	return w.Err()
}

// captureWriter serialises events back into AMI wire format.
type captureWriter struct {
	mu    sync.Mutex
	w     *bufio.Writer
	count int
	err   error
}

func (c *captureWriter) Write(evt ami.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if _, err := c.w.WriteString(evt.String()); err != nil {
		c.err = err
		return
	}
	c.count++
}

func (c *captureWriter) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Flush(); err != nil && c.err == nil {
		c.err = err
	}
}

func (c *captureWriter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *captureWriter) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

var (
	ipPattern       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern    = regexp.MustCompile(`\b1?\d{10}\b`)
	secretPattern   = regexp.MustCompile(`(?i)(Secret:\s*).+`)
	passwordPattern = regexp.MustCompile(`(?i)(Password:\s*).+`)
)

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	return os.WriteFile(path, []byte(sanitize(string(data))), 0o644)
}

// sanitize redacts credentials, non-loopback addresses and caller numbers.
func sanitize(data string) string {
	lines := strings.Split(data, "\n")
	for i, line := range lines {
		line = secretPattern.ReplaceAllString(line, "${1}REDACTED")
		line = passwordPattern.ReplaceAllString(line, "${1}REDACTED")

		line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
			if ip == "127.0.0.1" {
				return ip
			}
			return "10.0.0.1"
		})

		// Only CallerID-ish headers; Uniqueid values look like phone numbers too.
		if strings.Contains(line, "CallerID") || strings.Contains(line, "ConnectedLine") {
			line = phonePattern.ReplaceAllString(line, "15550001234")
		}

		lines[i] = line
	}
	return strings.Join(lines, "\n")
}
