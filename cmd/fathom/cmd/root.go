//  Copyright (c) 2024 Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 		http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blevesearch/fathom/segment"
	"github.com/blevesearch/fathom/store"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "fathom",
	Short: "command-line tool to inspect fathom index files",
	Long:  `A command-line tool to inspect fathom segment files and commit points.`,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openSegmentFile maps a segment file and parses it. The returned close
// function releases the mapping.
func openSegmentFile(path string) (*segment.Segment, func(), error) {
	dir, err := store.OpenFSDirectory(filepath.Dir(path))
	if err != nil {
		return nil, nil, err
	}
	in, err := dir.OpenInput(filepath.Base(path))
	if err != nil {
		return nil, nil, err
	}
	seg, err := segment.Open(in)
	if err != nil {
		_ = in.Close()
		return nil, nil, err
	}
	return seg, func() { _ = seg.DecRef() }, nil
}
