// Copyright 2024 The kmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// kmemctl manages and exercises the memory subsystem: it creates and
// inspects swap files and runs paging workloads against a configured
// instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"kmem.dev/kmem/pkg/log"
)

var debug = flag.Bool("debug", false, "enable debug logging")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(swapfileCmd), "swap")
	subcommands.Register(new(infoCmd), "swap")
	subcommands.Register(new(stressCmd), "paging")

	flag.Parse()

	log.SetTarget(&log.Writer{Next: os.Stderr})
	if *debug {
		log.SetLevel(log.Debug)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// fatalf prints an error and exits without the log prefix machinery; these
// are direct answers to the operator.
func fatalf(format string, v ...any) {
	fmt.Fprintf(os.Stderr, "kmemctl: "+format+"\n", v...)
	os.Exit(1)
}
