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

package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct fault", New(NotFound, "thread missing"), NotFound},
		{"wrapped fault", fmt.Errorf("outer: %w", New(Conflict, "already resumed")), Conflict},
		{"plain error", errors.New("boom"), Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestInternalCarriesCorrelationID(t *testing.T) {
	f := Internalf(errors.New("disk gone"), "checkpoint write failed")
	require.Equal(t, Internal, f.Kind)
	assert.NotEmpty(t, f.CorrelationID)
	assert.ErrorContains(t, f, "checkpoint write failed")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	f := Wrap(Transient, cause, "device %s", "R1")

	assert.True(t, errors.Is(f, cause))
	assert.True(t, Is(f, Transient))
	assert.False(t, Is(f, Timeout))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(Unauthorized))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(PermissionDenied))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(EmptyScope))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Internal))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(IterationLimitExceeded))
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Transient.Recoverable())
	assert.True(t, Timeout.Recoverable())
	assert.False(t, Unauthorized.Recoverable())
	assert.False(t, Internal.Recoverable())
}
