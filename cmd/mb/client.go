package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mountebank-testing/mbengine/internal/config"
	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/viper"
)

// apiClient talks to a running mb over its REST API
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(v *viper.Viper) *apiClient {
	return &apiClient{
		baseURL: "http://" + net.JoinHostPort(v.GetString("host"), strconv.Itoa(v.GetInt("port"))),
		apiKey:  v.GetString("apikey"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body interface{}, target interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to mountebank at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s returned %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}
	if target == nil {
		return nil
	}
	return json.Unmarshal(data, target)
}

func (c *apiClient) replayableImposters(removeProxies bool) (*config.Config, error) {
	path := "/imposters?replayable=true"
	if removeProxies {
		path += "&removeProxies=true"
	}
	var cfg config.Config
	if err := c.do(http.MethodGet, path, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func runSave(client *apiClient, saveFile string, removeProxies bool) error {
	cfg, err := client.replayableImposters(removeProxies)
	if err != nil {
		return err
	}
	if err := config.Save(saveFile, cfg.Imposters); err != nil {
		return err
	}
	fmt.Printf("Saved %d imposters to %s\n", len(cfg.Imposters), saveFile)
	return nil
}

// runReplay swaps every imposter for its recorded responses, dropping the proxies
func runReplay(client *apiClient) error {
	cfg, err := client.replayableImposters(true)
	if err != nil {
		return err
	}
	if err := client.do(http.MethodPut, "/imposters", cfg, nil); err != nil {
		return err
	}
	fmt.Printf("Replaying %d imposters\n", len(cfg.Imposters))
	return nil
}

func runList(client *apiClient, out io.Writer) error {
	var body struct {
		Imposters []models.ImposterInfo `json:"imposters"`
	}
	if err := client.do(http.MethodGet, "/imposters", nil, &body); err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Port", "Protocol", "Name", "Stubs", "Requests"})
	for _, imposter := range body.Imposters {
		requests := 0
		if imposter.NumberOfRequests != nil {
			requests = *imposter.NumberOfRequests
		}
		table.Append([]string{
			strconv.Itoa(imposter.Port),
			imposter.Protocol,
			imposter.Name,
			strconv.Itoa(len(imposter.Stubs)),
			strconv.Itoa(requests),
		})
	}
	table.Render()
	return nil
}
