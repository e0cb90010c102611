package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sweeney/callctl/internal/bus"
	"github.com/sweeney/callctl/internal/command"
	"github.com/sweeney/callctl/internal/config"
	"github.com/sweeney/callctl/internal/directory"
	"github.com/sweeney/callctl/internal/dispatcher"
	"github.com/sweeney/callctl/internal/session"
)

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker")
	topic := flag.String("topic", "callctl/control", "Control topic")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	replayPath := flag.String("replay", "", "Replay a capture through the dispatcher and print what happens")
	configPath := flag.String("config", "", "Config file for -replay (extension and directory names)")
	ext := flag.String("ext", "", "Local extension for -replay when no config is given")
	flag.Parse()

	switch {
	case *sanitize != "":
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
	case *replayPath != "":
		if err := replayFile(*replayPath, *configPath, *ext, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "replay error: %v\n", err)
			os.Exit(1)
		}
	default:
		if err := capture(*broker, *topic, *outDir); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

func capture(broker, topic, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".txt")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	fmt.Printf("connecting to %s...\n", broker)
	b, err := bus.NewMQTTBus(bus.MQTTOptions{
		Broker:   broker,
		ClientID: "bustap-" + uuid.NewString(),
		QoS:      1,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		return err
	}
	defer b.Close()

	fmt.Printf("writing to %s\n", filename)
	fmt.Fprintf(w, "# captured %s from %s %s\n", time.Now().UTC().Format(time.RFC3339), broker, topic)

	q := newTap(256)
	if err := b.Subscribe(topic, q.deliver); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("streaming messages (ctrl+c to stop)...")
	for {
		select {
		case line := <-q.lines:
			w.WriteString(strings.TrimRight(line, "\r\n") + "\n")
		case <-sigCh:
			if n := q.dropped.Load(); n > 0 {
				fmt.Fprintf(w, "# dropped %d messages\n", n)
				fmt.Printf("dropped %d messages while writing\n", n)
			}
			return nil
		}
	}
}

// tap queues captured lines for the writer. deliver runs on the client's
// ordered delivery goroutine, so it drops rather than block.
type tap struct {
	lines   chan string
	dropped atomic.Int64
}

func newTap(size int) *tap {
	return &tap{lines: make(chan string, size)}
}

func (t *tap) deliver(payload []byte) {
	select {
	case t.lines <- string(payload):
	default:
		t.dropped.Add(1)
	}
}

var numberPattern = regexp.MustCompile(`^\+?\d{7,}$`)

// partyFields lists the field positions that carry phone numbers.
var partyFields = map[string][]int{
	command.Call:      {1, 2},
	command.Queue:     {2},
	command.Connected: {1, 2},
	command.Endpoint:  {3},
}

// sanitizer replaces external numbers with stable fake ones, so the same
// caller still reconciles after sanitizing.
type sanitizer struct {
	fake map[string]string
}

func (s *sanitizer) number(n string) string {
	if f, ok := s.fake[n]; ok {
		return f
	}
	f := fmt.Sprintf("1555%07d", len(s.fake)+1)
	s.fake[n] = f
	return f
}

func (s *sanitizer) line(line string) string {
	if line == "" || strings.HasPrefix(line, "#") {
		return line
	}
	msg := command.Parse(line)
	idx, ok := partyFields[msg.Name()]
	if !ok {
		return line
	}
	fields := msg.Fields()
	for _, i := range idx {
		if i < len(fields) && numberPattern.MatchString(fields[i]) {
			fields[i] = s.number(fields[i])
		}
	}
	return command.Join(fields...)
}

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	s := &sanitizer{fake: make(map[string]string)}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = s.line(line)
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

func replayFile(path, configPath, ext string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	names := map[string]string{}
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ext = cfg.Client.Extension
		names = cfg.Directory.Extensions
	}
	if ext == "" {
		return fmt.Errorf("-ext or -config is required")
	}

	d := dispatcher.New(dispatcher.Options{
		Extension:  ext,
		Directory:  directory.NewStatic(names),
		ClickGrace: time.Hour,
		Logger:     zerolog.Nop(),
	})
	defer d.Close()

	d.OnTransition(func(c dispatcher.Change) {
		switch {
		case c.Created && c.Replaced != "":
			fmt.Fprintf(out, "  %s replaces %s as %s (%s)\n", c.Session.Channel, c.Replaced, c.Session.Mode, c.Session.ConnectedTo)
		case c.Created:
			fmt.Fprintf(out, "  %s created %s (%s)\n", c.Session.Channel, c.Session.Mode, c.Session.ConnectedTo)
		case c.Replaced != "":
			fmt.Fprintf(out, "  %s renamed from %s\n", c.Session.Channel, c.Replaced)
		default:
			fmt.Fprintf(out, "  %s %s -> %s (%s)\n", c.Session.Channel, c.From, c.Session.Mode, c.Session.ConnectedTo)
		}
	})
	d.OnRemove(func(s session.Snapshot) {
		fmt.Fprintf(out, "  %s removed\n", s.Channel)
	})

	ctx := context.Background()
	for _, line := range command.ReadBytes(data) {
		fmt.Fprintln(out, line)
		if res := d.Handle(line); !res.Applied {
			fmt.Fprintf(out, "  ignored: %s\n", res.Reason)
		}
	}
	d.Flush(ctx)

	fmt.Fprintln(out, "live sessions:")
	for _, s := range d.Sessions() {
		fmt.Fprintf(out, "  %s %s %s\n", s.Channel, s.Mode, s.ConnectedTo)
	}
	return nil
}
