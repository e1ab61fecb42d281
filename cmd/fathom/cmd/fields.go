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
	"strings"

	"github.com/spf13/cobra"

	"github.com/blevesearch/fathom/document"
)

// fieldsCmd represents the fields command
var fieldsCmd = &cobra.Command{
	Use:   "fields [path]",
	Short: "fields prints the fields in the specified segment file",
	Long:  `The fields command lets you print the fields in the specified segment file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("must specify segment file path")
		}
		seg, close, err := openSegmentFile(args[0])
		if err != nil {
			return err
		}
		defer close()

		for fieldID, field := range seg.Fields() {
			opts, _ := seg.FieldOptions(field)
			docs, sumLen := seg.FieldStats(field)
			fmt.Printf("field %d '%s' options [%s] docs %d total length %d\n",
				fieldID, field, optionNames(opts), docs, sumLen)
		}
		return nil
	},
}

func optionNames(opts document.IndexingOptions) string {
	var names []string
	if opts.IsIndexed() {
		names = append(names, "indexed")
	}
	if opts.IncludePositions() {
		names = append(names, "positions")
	}
	if opts.IncludeOffsets() {
		names = append(names, "offsets")
	}
	if opts.IsStored() {
		names = append(names, "stored")
	}
	if opts.HasDocValues() {
		names = append(names, "docvalues")
	}
	if opts.HasNorms() {
		names = append(names, "norms")
	}
	return strings.Join(names, ",")
}

func init() {
	RootCmd.AddCommand(fieldsCmd)
}
