/*
Copyright 2021 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/gravitational/trace"
)

// fastJSON is configured to match encoding/json's behavior (map key
// ordering, escaping) while using jsoniter's faster reflection path. Control
// frames are marshaled/unmarshaled through it on every session message, so
// the iterator-based fast path matters.
var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// FastMarshal marshals an object into JSON using the jsoniter library,
// bypassing reflection for common cases. Used for wire protocol control
// frames, where allocation pressure matters.
func FastMarshal(v interface{}) ([]byte, error) {
	data, err := fastJSON.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// FastUnmarshal unmarshals JSON into an object using the jsoniter library.
func FastUnmarshal(data []byte, v interface{}) error {
	if err := fastJSON.Unmarshal(data, v); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
