// Copyright 2025 The svidwatch Authors
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

package lifecycle

import (
	"fmt"

	"github.com/kballard/go-shellquote"
)

// SplitCommandLine tokenizes a command line using POSIX shell word
// splitting. Quoted segments keep embedded whitespace, single quotes
// suppress escape processing, and an unterminated quote is an error.
// The string is split only, nothing is expanded or executed.
func SplitCommandLine(cmdline string) ([]string, error) {
	words, err := shellquote.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command line %q: %w", cmdline, err)
	}
	return words, nil
}
