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

	"github.com/spf13/cobra"
)

// dictCmd represents the dict command
var dictCmd = &cobra.Command{
	Use:   "dict [path] [field]",
	Short: "dict prints the term dictionary for the specified field",
	Long:  `The dict command lets you print the term dictionary for the specified field.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return fmt.Errorf("must specify segment file path and field")
		}
		seg, close, err := openSegmentFile(args[0])
		if err != nil {
			return err
		}
		defer close()

		dict, err := seg.Dictionary(args[1])
		if err != nil {
			return err
		}
		if dict == nil {
			return fmt.Errorf("field '%s' is not indexed", args[1])
		}
		itr := dict.Iterator(nil, nil)
		entry, err := itr.Next()
		for err == nil && entry != nil {
			fmt.Printf("%s %d\n", entry.Term, entry.Count)
			entry, err = itr.Next()
		}
		return err
	},
}

func init() {
	RootCmd.AddCommand(dictCmd)
}
