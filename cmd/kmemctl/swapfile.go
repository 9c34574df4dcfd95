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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"kmem.dev/kmem/pkg/swap"
)

// swapfileCmd implements subcommands.Command for the "swapfile" command.
type swapfileCmd struct {
	pages uint
}

// Name implements subcommands.Command.Name.
func (*swapfileCmd) Name() string {
	return "swapfile"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*swapfileCmd) Synopsis() string {
	return "create or extend a swap file"
}

// Usage implements subcommands.Command.Usage.
func (*swapfileCmd) Usage() string {
	return `swapfile [-pages N] <path>

Creates the swap file at <path> with capacity for N pages, or extends an
existing valid file to that capacity. A corrupt file is rebuilt empty.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *swapfileCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.pages, "pages", 1024, "store capacity in page slots")
}

// Execute implements subcommands.Command.Execute.
func (c *swapfileCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	s, err := swap.Open(f.Arg(0), uint32(c.pages))
	if err != nil {
		fatalf("creating swap file: %v", err)
	}
	st := s.Stats()
	if err := s.Close(); err != nil {
		fatalf("closing swap file: %v", err)
	}
	fmt.Printf("%s: %d pages, %d used\n", f.Arg(0), st.TotalPages, st.UsedPages)
	return subcommands.ExitSuccess
}
