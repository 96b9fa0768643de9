package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func apiRequest(method, path string) (*http.Request, error) {
	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
	return req, nil
}

// callAPI sends a request and decodes a JSON answer into out
func callAPI(method, path string, out interface{}) error {
	req, err := apiRequest(method, path)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", apiURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Kind != "" {
				return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Kind)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("api returned %s", resp.Status)
	}
	return json.Unmarshal(body, out)
}
