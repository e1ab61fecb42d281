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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/blevesearch/fathom/document"
)

// docvalueCmd represents the docvalue command
var docvalueCmd = &cobra.Command{
	Use:   "docvalue [path] [docNum]",
	Short: "docvalue prints the stored fields and doc values of a document",
	Long:  `The docvalue command prints the stored fields and doc values of the document at the given local doc number.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return fmt.Errorf("must specify segment file path and doc number")
		}
		docNum, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid doc number: %v", err)
		}
		seg, close, err := openSegmentFile(args[0])
		if err != nil {
			return err
		}
		defer close()

		err = seg.VisitStoredFields(docNum, func(field string,
			typ document.ValueType, value []byte) bool {
			fmt.Printf("stored %s (%s): %s\n", field, typ, formatValue(typ, value))
			return true
		})
		if err != nil {
			return err
		}
		return seg.VisitDocValues(docNum, nil, func(field string,
			typ document.ValueType, value []byte) {
			fmt.Printf("docvalue %s (%s): %s\n", field, typ, formatValue(typ, value))
		})
	},
}

func formatValue(typ document.ValueType, value []byte) string {
	switch typ {
	case document.TypeString, document.TypeBytes:
		return string(value)
	case document.TypeNull:
		return "null"
	default:
		return fmt.Sprintf("%x", value)
	}
}

func init() {
	RootCmd.AddCommand(docvalueCmd)
}
