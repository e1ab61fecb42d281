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

	"github.com/blevesearch/fathom"
	"github.com/blevesearch/fathom/store"
)

// commitsCmd represents the commits command
var commitsCmd = &cobra.Command{
	Use:   "commits [dir]",
	Short: "commits prints the latest commit point of an index directory",
	Long:  `The commits command prints the segments referenced by the latest commit point in the specified index directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("must specify index directory")
		}
		dir, err := store.OpenFSDirectory(args[0])
		if err != nil {
			return err
		}
		infos, err := fathom.ReadCommit(dir)
		if err != nil {
			return err
		}
		fmt.Printf("generation: %d\n", infos.Generation())
		fmt.Printf("next segment id: %d\n", infos.NextSegmentID())
		for _, info := range infos.Entries() {
			fmt.Printf("segment %016x docs %d delGen %d\n",
				info.ID, info.DocCount, info.DelGen)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(commitsCmd)
}
