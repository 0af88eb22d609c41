// Copyright 2025 OLAV Labs
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

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, r.Count())
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewBaseRegistry[string]()

	require.NoError(t, r.Register("x", "one"))
	err := r.Register("x", "two")
	require.Error(t, err)

	v, _ := r.Get("x")
	assert.Equal(t, "one", v)
}

func TestRegisterEmptyName(t *testing.T) {
	r := NewBaseRegistry[string]()
	assert.Error(t, r.Register("", "nope"))
}

func TestReplace(t *testing.T) {
	r := NewBaseRegistry[string]()

	assert.Error(t, r.Replace("missing", "v"))

	require.NoError(t, r.Register("x", "one"))
	require.NoError(t, r.Replace("x", "two"))

	v, _ := r.Get("x")
	assert.Equal(t, "two", v)
}

func TestFreeze(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))

	r.Freeze()
	assert.True(t, r.Frozen())

	assert.Error(t, r.Register("b", 2))
	assert.Error(t, r.Replace("a", 9))

	// Reads still work after freeze.
	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestNamesSorted(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("b", 2))
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("c", 3))

	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
	assert.Equal(t, []int{1, 2, 3}, r.List())
}
