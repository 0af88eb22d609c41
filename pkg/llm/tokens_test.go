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

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))

	short := EstimateTokens("show bgp summary")
	long := EstimateTokens("show bgp summary on every core router and compare neighbor state against yesterday")
	assert.Greater(t, short, 0)
	assert.Greater(t, long, short)
}

func TestEstimateMessageTokens(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "You are a network operations assistant."},
		{Role: RoleUser, Content: "Is core-rtr-01 healthy?"},
	}
	assert.Greater(t, EstimateMessageTokens(msgs), EstimateTokens(msgs[0].Content))
}
