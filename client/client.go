package client

import (
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"sealdisk"
	"sealdisk/server"
	"sealdisk/utils/errs"
)

const (
	keyEndpoint         = "/v1/keys/{key}"
	batchEndpoint       = "/v1/batch"
	syncEndpoint        = "/v1/sync"
	maintenanceEndpoint = "/v1/maintenance/{task}"
	statsEndpoint       = "/v1/stats"
)

// Client talks to a sealdisk server.
type Client struct {
	client *resty.Client
}

func NewClient(serverURL string) *Client {
	c := resty.New().
		SetBaseURL(serverURL).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	return &Client{client: c}
}

func (c *Client) Get(key string) ([]byte, error) {
	resp, err := c.client.R().
		SetPathParam("key", key).
		SetError(&server.ErrorResponse{}).
		Get(keyEndpoint)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

func (c *Client) Put(key string, value []byte) (uint64, error) {
	var out server.CommitResponse
	resp, err := c.client.R().
		SetPathParam("key", key).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(value).
		SetResult(&out).
		SetError(&server.ErrorResponse{}).
		Put(keyEndpoint)
	if err := check(resp, err); err != nil {
		return 0, err
	}
	return out.Seq, nil
}

func (c *Client) Delete(key string) (uint64, error) {
	var out server.CommitResponse
	resp, err := c.client.R().
		SetPathParam("key", key).
		SetResult(&out).
		SetError(&server.ErrorResponse{}).
		Delete(keyEndpoint)
	if err := check(resp, err); err != nil {
		return 0, err
	}
	return out.Seq, nil
}

// Batch commits ops atomically.
func (c *Client) Batch(ops []server.BatchOp) (uint64, error) {
	var out server.CommitResponse
	resp, err := c.client.R().
		SetBody(server.BatchRequest{Ops: ops}).
		SetResult(&out).
		SetError(&server.ErrorResponse{}).
		Post(batchEndpoint)
	if err := check(resp, err); err != nil {
		return 0, err
	}
	return out.Seq, nil
}

func (c *Client) Sync() error {
	resp, err := c.client.R().SetError(&server.ErrorResponse{}).Post(syncEndpoint)
	return check(resp, err)
}

// Maintain runs "flush", "merge" or "compact" on the server.
func (c *Client) Maintain(task string) error {
	resp, err := c.client.R().
		SetPathParam("task", task).
		SetError(&server.ErrorResponse{}).
		Post(maintenanceEndpoint)
	return check(resp, err)
}

func (c *Client) Stats() (*sealdisk.Stats, error) {
	var out sealdisk.Stats
	resp, err := c.client.R().
		SetResult(&out).
		SetError(&server.ErrorResponse{}).
		Get(statsEndpoint)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// check maps error statuses back onto the disk's sentinel errors.
func check(resp *resty.Response, err error) error {
	if err != nil {
		return errors.Wrap(errs.ErrIO, err.Error())
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if e, ok := resp.Error().(*server.ErrorResponse); ok && e.Error != "" {
		msg = e.Error
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return errors.Wrap(errs.ErrNotFound, msg)
	case http.StatusBadRequest:
		return errors.Wrap(errs.ErrInvalidArgs, msg)
	case http.StatusRequestEntityTooLarge:
		return errors.Wrap(errs.ErrValueTooLarge, msg)
	case http.StatusInsufficientStorage:
		return errors.Wrap(errs.ErrNoSpace, msg)
	case http.StatusServiceUnavailable:
		return errors.Wrap(errs.ErrClosed, msg)
	}
	return errors.Errorf("sealdisk server: %s", msg)
}
