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
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"
)

// footerCmd represents the footer command
var footerCmd = &cobra.Command{
	Use:   "footer [path]",
	Short: "footer prints the footer of the segment file",
	Long:  `The footer command prints the footer of the specified segment file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("must specify segment file path")
		}
		seg, close, err := openSegmentFile(args[0])
		if err != nil {
			return err
		}
		defer close()

		data := seg.Data()
		fmt.Printf("length: %d\n", len(data))
		fmt.Printf("magic: %08x\n", binary.BigEndian.Uint32(data[len(data)-4:]))
		fmt.Printf("crc: %08x\n", seg.CRC())
		fmt.Printf("version: %d\n", binary.BigEndian.Uint32(data[len(data)-12:len(data)-8]))
		fmt.Printf("chunk factor: %d\n", seg.ChunkFactor())
		fmt.Printf("num docs: %d\n", seg.Count())
		return nil
	},
}

func init() {
	RootCmd.AddCommand(footerCmd)
}
