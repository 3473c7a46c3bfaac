// Copyright (C) 2026 CCE Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sclassengine/cce/cache"
)

var (
	dashv    bool
	dashh    bool
	dashsize int64
	dashcfg  string
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.BoolVar(&dashh, "h", false, "show usage help")
	flag.Int64Var(&dashsize, "size", -1, "cache size in bytes, for create (default: 16 MiB)")
	flag.StringVar(&dashcfg, "c", "", "YAML config file (overrides -size and other defaults)")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	os.Exit(1)
}

func loadConfig() cache.Config {
	if dashcfg == "" {
		return cache.Config{SharedClassCacheSize: dashsize}
	}
	doc, err := os.ReadFile(dashcfg)
	if err != nil {
		exitf("reading %s: %s", dashcfg, err)
	}
	cfg, err := cache.LoadConfigYAML(doc)
	if err != nil {
		exitf("parsing %s: %s", dashcfg, err)
	}
	return cfg
}

func logger() cache.Logger {
	if !dashv {
		return nil
	}
	return stderrLogger{}
}

type stderrLogger struct{}

func (stderrLogger) Printf(f string, args ...interface{}) { fmt.Fprintf(os.Stderr, f+"\n", args...) }

func create(path string) {
	c, err := cache.Create(path, loadConfig())
	if err != nil {
		exitf("create: %s", err)
	}
	c.Logger = logger()
	if err := c.Shutdown(); err != nil {
		exitf("shutdown: %s", err)
	}
}

func dump(path string) {
	c, err := cache.Open(path, loadConfig(), "cctool-dump")
	if err != nil {
		exitf("open: %s", err)
	}
	c.Logger = logger()
	defer c.Shutdown()

	entries, err := c.WalkAll(true)
	if err != nil {
		exitf("walk: %s", err)
	}
	for _, e := range entries {
		stale := ""
		if e.Stale() {
			stale = " (stale)"
		}
		fmt.Printf("offset=%d jvm_id=%d type=%d payload_len=%d%s\n",
			e.Offset(), e.JVMID(), e.DataType(), e.PayloadLength(), stale)
	}
	fmt.Printf("%d entries, %d allocations, %d commits, %d walk steps\n",
		len(entries), c.Stats.Allocations(), c.Stats.Commits(), c.Stats.WalkSteps())
}

func stat(path string) {
	c, err := cache.Open(path, loadConfig(), "cctool-stat")
	if err != nil {
		exitf("open: %s", err)
	}
	c.Logger = logger()
	defer c.Shutdown()

	fmt.Printf("path:        %s\n", c.Path())
	fmt.Printf("read_only:   %v\n", c.ReadOnly())
	fmt.Printf("reader_count: %d\n", c.ReaderCount())
	fmt.Printf("generation:  %s\n", c.Generation)
}

func destroy(path string) {
	c, err := cache.Open(path, loadConfig(), "cctool-destroy")
	if err != nil {
		exitf("open: %s", err)
	}
	c.Logger = logger()
	if err := c.Destroy(!dashv); err != nil {
		exitf("destroy: %s", err)
	}
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 || dashh {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s [-size <bytes>|-c <config.yaml>] create <path>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        initialize a new composite cache region\n")
		fmt.Fprintf(os.Stderr, "    %s [-c <config.yaml>] dump <path>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        walk and print every metadata entry\n")
		fmt.Fprintf(os.Stderr, "    %s [-c <config.yaml>] stat <path>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        print attach-handle diagnostics\n")
		fmt.Fprintf(os.Stderr, "    %s [-c <config.yaml>] destroy <path>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        detach and remove the backing store\n")
		fmt.Fprintf(os.Stderr, "flag usage:\n")
		flag.Usage()
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		create(args[1])
	case "dump":
		dump(args[1])
	case "stat":
		stat(args[1])
	case "destroy":
		destroy(args[1])
	default:
		exitf("unknown subcommand %q", args[0])
	}
}
