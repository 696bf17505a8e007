//
// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
//
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"
)

// DefaultMMR is assumed for players whose rating could not be fetched.
const DefaultMMR = 1000

// PlayerProfile is the subset of the player service data the matchmaker needs.
type PlayerProfile struct {
	PlayerID uuid.UUID       `json:"player_id"`
	MMR      int64           `json:"mmr"`
	Level    int             `json:"level"`
	Deck     json.RawMessage `json:"deck,omitempty"`
}

// Fetcher is an interface for a player profile source.
type Fetcher interface {
	GetPlayerProfile(id uuid.UUID) (PlayerProfile, error)
}

// NewClient returns a new profile service client.
func NewClient(u url.URL, timeout time.Duration) (*Client, error) {
	ok := govalidator.IsURL(u.String())
	if !ok {
		return &Client{}, errors.New("invalid Url")
	}
	httpClient := http.Client{Timeout: timeout}
	return &Client{HTTPClient: httpClient, URL: u}, nil
}

// Client is a client for the player profile service.
type Client struct {
	URL        url.URL
	HTTPClient http.Client
}

const playersURI = "/players"

// GetPlayerProfile retrieves a player profile by sending a GET request against the profile service.
func (c *Client) GetPlayerProfile(id uuid.UUID) (PlayerProfile, error) {
	var pp PlayerProfile
	req, err := http.NewRequest(http.MethodGet, c.URL.String()+fmt.Sprintf("%s/%s", playersURI, id), nil)
	if err != nil {
		return pp, err
	}
	body, err := c.doRequest(req, http.StatusOK)
	if err != nil {
		return pp, err
	}
	defer body.Close()
	err = json.NewDecoder(body).Decode(&pp)
	if err != nil {
		return pp, fmt.Errorf("profile service returned an invalid response body: %s", err)
	}
	return pp, nil
}

// doRequest is a helper method that sends an HTTP request, compares the returned response code with expected and
// does corresponding error handling.
func (c *Client) doRequest(req *http.Request, expected int) (io.ReadCloser, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http client failed sending request: %s", err)
	}
	if resp.StatusCode != expected {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("server replied with an unexpected response code #%d: %s", resp.StatusCode, string(bodyBytes))
	}
	return resp.Body, nil
}

// StaticFetcher serves a fixed profile for every player. Deployments without
// a profile service fall back to it so ranked queues still get a score.
type StaticFetcher struct {
	MMR   int64
	Level int
}

// GetPlayerProfile returns the static profile for the given player.
func (s StaticFetcher) GetPlayerProfile(id uuid.UUID) (PlayerProfile, error) {
	return PlayerProfile{PlayerID: id, MMR: s.MMR, Level: s.Level}, nil
}
