//
// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
//
package profile

import (
	"bytes"
	"io"
	"net/http"
)

type MockedRoundTripper struct {
	ExpectedPath         string
	ReturnJson           []byte
	ExpectedResponseCode int
}

func (m *MockedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var statusCode = m.ExpectedResponseCode
	p := req.URL.Path
	if p != m.ExpectedPath {
		statusCode = http.StatusNotFound
	}

	b := bytes.NewBuffer(m.ReturnJson)
	resp := &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(b),
	}
	return resp, nil
}
