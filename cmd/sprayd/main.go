package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"spraydtn/internal/config"
	"spraydtn/internal/debuglog"
	"spraydtn/internal/metrics"
	"spraydtn/internal/node"
	"spraydtn/internal/proto"
)

var stdin io.Reader = os.Stdin

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "sim":
		return runSim(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: sprayd <run|sim|status> [args]")
	fmt.Fprintln(w, "  run     --config <node.toml> [--debug]")
	fmt.Fprintln(w, "          stdin lines \"HH:LL text\" send text to a node")
	fmt.Fprintln(w, "  sim     [--nodes 3] [--topology line|full] [--drop 0] [--delay 2ms] [--seed 1]")
	fmt.Fprintln(w, "          [--duration 60s] [--messages 1] [--copies 8] [--request-copies]")
	fmt.Fprintln(w, "  status  --snapshot <metrics.json> | --config <node.toml>")
}

// syncWriter serializes writes from the event loop and the stdin reader.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "node config (TOML)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *cfgPath == "" {
		fmt.Fprintln(stderr, "missing --config")
		return 1
	}
	if *debug {
		_ = os.Setenv("SPRAY_DEBUG", "1")
	}
	debuglog.Configure()
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	if cfg.Transport.Insecure {
		fmt.Fprintln(stderr, "WARNING: TLS verification disabled")
	}

	out := &syncWriter{w: stdout}
	n, err := node.NewNode(cfg, node.Options{
		Log: stderr,
		Deliver: func(p proto.Packet, lastHop proto.Addr) {
			out.Printf("DELIVER origin=%s seq=%d via=%s %q\n", p.Origin, p.Seq, lastHop, p.Payload)
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "start node failed: %v\n", err)
		return 1
	}
	out.Printf("READY addr=%s self=%s\n", n.ListenAddr(), n.Self)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go readSends(ctx, n, stdin, out)
	if err := n.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func readSends(ctx context.Context, n *node.Node, r io.Reader, out *syncWriter) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		dest, text, err := parseSendLine(line)
		if err != nil {
			out.Printf("ERROR %v\n", err)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = n.Send(sendCtx, dest, []byte(text))
		cancel()
		if err != nil {
			out.Printf("ERROR send to %s: %v\n", dest, err)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		out.Printf("SENT dest=%s bytes=%d\n", dest, len(text))
	}
}

func parseSendLine(line string) (proto.Addr, string, error) {
	destStr, text, _ := strings.Cut(line, " ")
	dest, err := proto.ParseAddr(destStr)
	if err != nil {
		return proto.NullAddr, "", err
	}
	if dest.IsNull() {
		return proto.NullAddr, "", fmt.Errorf("null destination")
	}
	return dest, text, nil
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	snapPath := fs.String("snapshot", "", "metrics snapshot path")
	cfgPath := fs.String("config", "", "node config (TOML) naming the snapshot")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := *snapPath
	if path == "" && *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(stderr, "load config failed: %v\n", err)
			return 1
		}
		path = cfg.Metrics.Snapshot
	}
	if path == "" {
		fmt.Fprintln(stderr, "missing --snapshot or --config with metrics.snapshot")
		return 1
	}
	snap, err := metrics.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintf(stdout, "status: no snapshot: %v\n", err)
		return 1
	}
	printStatus(stdout, snap)
	return 0
}

func printStatus(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "Node %s (snapshot %s)\n", snap.Node, snap.GeneratedAt.Format(time.RFC3339))
	s := snap.Spray
	fmt.Fprintf(w, "  spray: originated=%d sent=%d received=%d delivered=%d recorded=%d\n",
		s.Originated, s.Sent, s.Received, s.Delivered, s.Recorded)
	fmt.Fprintf(w, "  dropped: malformed=%d duplicate=%d queue_full=%d\n",
		s.DropMalformed, s.DropDuplicate, s.DropQueueFull)
	h := snap.Handoff
	fmt.Fprintf(w, "  control: confirm_sent=%d confirm_recv=%d request_sent=%d\n",
		h.ConfirmSent, h.ConfirmRecv, h.RequestSent)
	fmt.Fprintf(w, "  handoff: sent=%d committed=%d rejected=%d received=%d\n",
		h.Sent, h.Committed, h.Rejected, h.Received)
	if snap.Latency.Count > 0 {
		l := snap.Latency
		fmt.Fprintf(w, "  handoff latency: p50=%s p95=%s p99=%s max=%s\n", l.P50, l.P95, l.P99, l.Max)
	}
	fmt.Fprintf(w, "  store: len=%d evicted=%d\n", snap.Store.Len, snap.Store.Evicted)
	for _, d := range snap.Recent {
		fmt.Fprintf(w, "  delivered origin=%s seq=%d via=%s bytes=%d at=%s\n",
			d.Origin, d.Seq, d.LastHop, d.Bytes, d.At.Format(time.RFC3339))
	}
}
