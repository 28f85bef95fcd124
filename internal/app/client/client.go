package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const baseQuery = "/api/stores/"

var ErrStoreNotFound = errors.New("store not found in directory")

// StoreInfo is the slice of the platform's store directory the wallet core
// needs: the plan tier for fee calculation and whether the store may sell.
type StoreInfo struct {
	StoreID string `json:"store_id"`
	Plan    string `json:"plan"`
	Active  bool   `json:"is_active"`
}

type Directory interface {
	GetStore(ctx context.Context, storeID string) (StoreInfo, error)
}

type cli struct {
	host       string
	httpClient *http.Client
}

func NewCli(host string, timeout int) Directory {
	client := &http.Client{
		Timeout: time.Duration(timeout * int(time.Second)),
	}
	return &cli{
		host:       host,
		httpClient: client,
	}
}

func (c *cli) GetStore(ctx context.Context, storeID string) (StoreInfo, error) {
	var info StoreInfo
	baseURL := c.host + baseQuery + storeID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return info, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return info, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return info, err
		}
		if err = json.Unmarshal(body, &info); err != nil {
			return info, err
		}
		return info, nil
	case http.StatusNotFound:
		return info, ErrStoreNotFound
	default:
		return info, fmt.Errorf("store directory returned status %d", res.StatusCode)
	}
}
