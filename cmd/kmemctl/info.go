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

// infoCmd implements subcommands.Command for the "info" command.
type infoCmd struct{}

// Name implements subcommands.Command.Name.
func (*infoCmd) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*infoCmd) Synopsis() string {
	return "print a swap file's header"
}

// Usage implements subcommands.Command.Usage.
func (*infoCmd) Usage() string {
	return `info <path>

Decodes and prints the swap file header without modifying the file.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*infoCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*infoCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	h, err := swap.ReadHeader(f.Arg(0))
	if err != nil {
		fatalf("reading header: %v", err)
	}
	fmt.Printf("version:     %d\n", h.Version)
	fmt.Printf("page size:   %d\n", h.PageSize)
	fmt.Printf("total pages: %d\n", h.TotalPages)
	fmt.Printf("used pages:  %d\n", h.UsedPages)
	return subcommands.ExitSuccess
}
