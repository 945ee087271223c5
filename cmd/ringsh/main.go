/*
 *
 * Copyright 2025 The LinuxCNC Go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// ringsh is an interactive shell around a shared-memory ring registry.
//
// The registry lives for the lifetime of the shell process; the ring
// segments themselves live in /dev/shm and survive it, so a second ringsh
// started with the same namespace and the external strategy can attach to
// rings created by the first.
//
// Usage:
//
//	ringsh [flags]
//
//	-c, --config     HuJSON config file
//	-n, --namespace  segment namespace (default: random)
//	-s, --strategy   attach strategy: resident or external
//
// Commands (in the shell):
//
//	create <module> <size> [scratchpad] [stream|record]   Create a ring
//	attach <handle> <module>                              Attach a module
//	detach <handle> <module>                              Detach a module
//	refcount <handle>                                     Show attacher count
//	write <handle> <text>                                 Write via own attachment
//	read <handle>                                         Read via own attachment
//	ls                                                    List committed rings
//	dump [path]                                           Write JSON snapshot
//	help                                                  Show this help
//	exit / quit / q                                       Exit
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/Larissa1990/linuxcnc/ringbuf"
	"github.com/Larissa1990/linuxcnc/ringreg"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("ringsh", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "HuJSON config file")
	namespace := fs.StringP("namespace", "n", "", "segment namespace")
	strategyName := fs.StringP("strategy", "s", "", "attach strategy: resident or external")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *namespace != "" {
		cfg.Namespace = *namespace
	}
	if *strategyName != "" {
		cfg.Strategy = *strategyName
	}
	if cfg.Namespace == "" {
		// A throwaway namespace keeps ad-hoc sessions from colliding in
		// /dev/shm.
		cfg.Namespace = uuid.NewString()[:8]
	}
	if cfg.DumpPath == "" {
		cfg.DumpPath = "ringsh-dump.json"
	}

	strategy, err := parseStrategy(cfg.Strategy)
	if err != nil {
		return err
	}

	reg, err := ringreg.New(ringreg.Config{
		Strategy:  strategy,
		Namespace: cfg.Namespace,
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	if err != nil {
		return err
	}
	defer reg.Close()

	sh := &shell{reg: reg, cfg: cfg, rings: make(map[int]*ringbuf.RingBuffer)}
	return sh.run()
}

// shell is the interactive command loop.
type shell struct {
	reg   *ringreg.Registry
	cfg   config
	liner *liner.State

	// rings holds this process's descriptors, keyed by handle, from
	// attaches performed in this session.
	rings map[int]*ringbuf.RingBuffer
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ringsh_history")
}

func (s *shell) run() error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(completer)

	if f, err := os.Open(historyFile()); err == nil {
		s.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("ringsh - shared memory ring registry (namespace=%s, strategy=%s)\n",
		s.cfg.Namespace, s.cfg.Strategy)
	fmt.Println("Type 'help' for available commands.")

	for {
		line, err := s.liner.Prompt("ringsh> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			s.saveHistory()
			return nil
		case "help", "?":
			printHelp()
		case "create":
			s.cmdCreate(args)
		case "attach":
			s.cmdAttach(args)
		case "detach":
			s.cmdDetach(args)
		case "refcount", "rc":
			s.cmdRefcount(args)
		case "write":
			s.cmdWrite(args)
		case "read":
			s.cmdRead(args)
		case "ls", "list":
			s.cmdList()
		case "dump":
			s.cmdDump(args)
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	s.saveHistory()
	return nil
}

func (s *shell) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		s.liner.WriteHistory(f)
		f.Close()
	}
}

func completer(line string) []string {
	cmds := []string{"create", "attach", "detach", "refcount", "write", "read", "ls", "dump", "help", "exit"}
	var out []string
	for _, c := range cmds {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}
	return out
}

func printHelp() {
	fmt.Print(`Commands:
  create <module> <size> [scratchpad] [stream|record]   Create a ring, print its handle
  attach <handle> <module>                              Attach a module to a ring
  detach <handle> <module>                              Detach a module (last one frees the ring)
  refcount <handle>                                     Show the attacher count
  write <handle> <text>                                 Write through this session's attachment
  read <handle>                                         Read through this session's attachment
  ls                                                    List committed rings
  dump [path]                                           Write a JSON snapshot of the table
  exit                                                  Quit
`)
}

func parseInt(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

func (s *shell) cmdCreate(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: create <module> <size> [scratchpad] [stream|record]")
		return
	}
	module, err := parseInt(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("bad size: %v\n", err)
		return
	}
	var scratchpad uint64
	if len(args) > 2 {
		scratchpad, err = strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			fmt.Printf("bad scratchpad size: %v\n", err)
			return
		}
	}
	flags := ringbuf.ModeStream
	if len(args) > 3 && args[3] == "record" {
		flags = ringbuf.ModeRecord
	}

	h, err := s.reg.Create(size, scratchpad, module, flags)
	if err != nil {
		fmt.Printf("create failed: %v\n", err)
		return
	}
	fmt.Printf("ring %d created (module %d)\n", h, module)
}

func (s *shell) cmdAttach(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: attach <handle> <module>")
		return
	}
	h, err := parseInt(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	module, err := parseInt(args[1])
	if err != nil {
		fmt.Println(err)
		return
	}

	desc, err := s.reg.Attach(h, module)
	if err != nil {
		fmt.Printf("attach failed: %v\n", err)
		return
	}
	s.rings[h] = desc
	n, _ := s.reg.Refcount(h)
	fmt.Printf("ring %d attached (module %d, refcount %d)\n", h, module, n)
}

func (s *shell) cmdDetach(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: detach <handle> <module>")
		return
	}
	h, err := parseInt(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	module, err := parseInt(args[1])
	if err != nil {
		fmt.Println(err)
		return
	}

	if err := s.reg.Detach(h, module); err != nil {
		fmt.Printf("detach failed: %v\n", err)
		return
	}
	if n, err := s.reg.Refcount(h); err == nil {
		fmt.Printf("ring %d retained (refcount %d)\n", h, n)
	} else {
		delete(s.rings, h)
		fmt.Printf("ring %d freed\n", h)
	}
}

func (s *shell) cmdRefcount(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: refcount <handle>")
		return
	}
	h, err := parseInt(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	n, err := s.reg.Refcount(h)
	if err != nil {
		fmt.Printf("refcount failed: %v\n", err)
		return
	}
	fmt.Printf("ring %d refcount %d\n", h, n)
}

// ringFor returns the session descriptor for a handle, if attached here.
func (s *shell) ringFor(handle int) *ringbuf.RingBuffer {
	desc, ok := s.rings[handle]
	if !ok {
		fmt.Printf("ring %d is not attached in this session (use attach first)\n", handle)
		return nil
	}
	return desc
}

func (s *shell) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: write <handle> <text>")
		return
	}
	h, err := parseInt(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	desc := s.ringFor(h)
	if desc == nil {
		return
	}
	payload := []byte(strings.Join(args[1:], " "))

	if desc.Flags()&ringbuf.ModeRecord != 0 {
		if err := desc.WriteRecord(payload); err != nil {
			fmt.Printf("write failed: %v\n", err)
			return
		}
		fmt.Printf("wrote %d-byte record\n", len(payload))
		return
	}
	n, err := desc.Write(payload)
	if err != nil {
		fmt.Printf("write failed: %v\n", err)
		return
	}
	fmt.Printf("wrote %d of %d bytes\n", n, len(payload))
}

func (s *shell) cmdRead(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: read <handle>")
		return
	}
	h, err := parseInt(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	desc := s.ringFor(h)
	if desc == nil {
		return
	}

	buf := make([]byte, desc.Capacity())
	if desc.Flags()&ringbuf.ModeRecord != 0 {
		n, err := desc.ReadRecord(buf)
		if err != nil {
			fmt.Printf("read failed: %v\n", err)
			return
		}
		fmt.Printf("%q\n", buf[:n])
		return
	}
	n, err := desc.Read(buf)
	if err != nil {
		fmt.Printf("read failed: %v\n", err)
		return
	}
	if n == 0 {
		fmt.Println("ring is empty")
		return
	}
	fmt.Printf("%q\n", buf[:n])
}

func (s *shell) cmdList() {
	infos := s.reg.Snapshot()
	if len(infos) == 0 {
		fmt.Println("no committed rings")
		return
	}
	fmt.Printf("%-8s %-12s %-8s %-10s %s\n", "HANDLE", "KEY", "OWNER", "REFCOUNT", "ATTACHERS")
	for _, info := range infos {
		fmt.Printf("%-8d 0x%08x   %-8d %-10d %v\n",
			info.Handle, info.Key, info.Owner, info.Refcount, info.Attachers)
	}
}

func (s *shell) cmdDump(args []string) {
	path := s.cfg.DumpPath
	if len(args) > 0 {
		path = args[0]
	}

	data, err := json.MarshalIndent(s.reg.Snapshot(), "", "  ")
	if err != nil {
		fmt.Printf("dump failed: %v\n", err)
		return
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		fmt.Printf("dump failed: %v\n", err)
		return
	}
	fmt.Printf("snapshot written to %s\n", path)
}
