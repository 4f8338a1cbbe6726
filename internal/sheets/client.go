// Package sheets talks to the Google Sheets v4 REST API: creating
// spreadsheets, writing value ranges, and resizing grids for incremental
// export updates.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"git.home.luguber.info/inful/formsync/internal/config"
	fserrors "git.home.luguber.info/inful/formsync/internal/errors"
	"git.home.luguber.info/inful/formsync/internal/logfields"
	"git.home.luguber.info/inful/formsync/internal/retry"
)

// Client is a rate-limited Sheets v4 API client. All writes go through the
// retry policy; 429 and 5xx responses are retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	logger     *slog.Logger
}

// NewClient builds a client from the sheets config section. The access token
// comes from the config value or, when set, the token file; the token source
// is static (service tokens are refreshed outside the process).
func NewClient(cfg config.SheetsConfig, logger *slog.Logger) (*Client, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fserrors.WrapError(err, fserrors.CategoryAuth, "reading sheets token file")
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return nil, fserrors.New(fserrors.CategoryAuth, fserrors.SeverityError, "sheets access token is not configured")
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), src)
	httpClient.Timeout = 30 * time.Second

	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(perSec), 1),
		policy:     retry.NewPolicy(cfg.Retry.Mode, cfg.Retry.Initial, cfg.Retry.Max, cfg.Retry.MaxRetries),
		logger:     logger,
	}, nil
}

// CreateSpreadsheet creates a spreadsheet with one sheet sized to the given
// grid and returns its metadata.
func (c *Client) CreateSpreadsheet(ctx context.Context, title, sheetTitle string, rows, cols int) (*Spreadsheet, error) {
	body := Spreadsheet{
		Properties: &SpreadsheetProperties{Title: title},
		Sheets: []Sheet{{
			Properties: SheetProperties{
				Title:          sheetTitle,
				GridProperties: &GridProperties{RowCount: rows, ColumnCount: cols},
			},
		}},
	}
	var created Spreadsheet
	if err := c.do(ctx, http.MethodPost, "/spreadsheets", nil, body, &created); err != nil {
		return nil, err
	}
	c.logger.Info("created spreadsheet",
		logfields.SpreadsheetID(created.SpreadsheetID),
		logfields.RowCount(rows),
		logfields.ColumnCount(cols))
	return &created, nil
}

// GetSpreadsheet fetches spreadsheet metadata including sheet grid sizes.
func (c *Client) GetSpreadsheet(ctx context.Context, spreadsheetID string) (*Spreadsheet, error) {
	var out Spreadsheet
	path := fmt.Sprintf("/spreadsheets/%s", url.PathEscape(spreadsheetID))
	query := url.Values{"fields": {"spreadsheetId,sheets.properties"}}
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateValues writes a rectangular block of values at the A1 range using
// user-entered input parsing.
func (c *Client) UpdateValues(ctx context.Context, spreadsheetID, a1Range string, values [][]string) error {
	path := fmt.Sprintf("/spreadsheets/%s/values/%s",
		url.PathEscape(spreadsheetID), url.PathEscape(a1Range))
	query := url.Values{"valueInputOption": {"USER_ENTERED"}}
	body := ValueRange{Range: a1Range, Values: values}
	var resp UpdateValuesResponse
	if err := c.do(ctx, http.MethodPut, path, query, body, &resp); err != nil {
		return err
	}
	c.logger.Debug("updated sheet values",
		logfields.SpreadsheetID(spreadsheetID),
		slog.String("range", a1Range),
		logfields.RowCount(resp.UpdatedRows))
	return nil
}

// AppendRows grows the sheet grid by n rows.
func (c *Client) AppendRows(ctx context.Context, spreadsheetID string, sheetID, n int) error {
	return c.appendDimension(ctx, spreadsheetID, sheetID, "ROWS", n)
}

// AppendColumns grows the sheet grid by n columns.
func (c *Client) AppendColumns(ctx context.Context, spreadsheetID string, sheetID, n int) error {
	return c.appendDimension(ctx, spreadsheetID, sheetID, "COLUMNS", n)
}

func (c *Client) appendDimension(ctx context.Context, spreadsheetID string, sheetID int, dimension string, n int) error {
	if n <= 0 {
		return nil
	}
	body := batchUpdateRequest{Requests: []request{{
		AppendDimension: &appendDimensionRequest{SheetID: sheetID, Dimension: dimension, Length: n},
	}}}
	path := fmt.Sprintf("/spreadsheets/%s:batchUpdate", url.PathEscape(spreadsheetID))
	return c.do(ctx, http.MethodPost, path, nil, body, nil)
}

// DeleteRows removes the zero-based half-open row range [start, end) from
// the sheet grid.
func (c *Client) DeleteRows(ctx context.Context, spreadsheetID string, sheetID, start, end int) error {
	if end <= start {
		return nil
	}
	body := batchUpdateRequest{Requests: []request{{
		DeleteDimension: &deleteDimensionRequest{Range: dimensionRange{
			SheetID:    sheetID,
			Dimension:  "ROWS",
			StartIndex: start,
			EndIndex:   end,
		}},
	}}}
	path := fmt.Sprintf("/spreadsheets/%s:batchUpdate", url.PathEscape(spreadsheetID))
	return c.do(ctx, http.MethodPost, path, nil, body, nil)
}

// SpreadsheetURL returns the browser URL for a spreadsheet.
func SpreadsheetURL(spreadsheetID string) string {
	return "https://docs.google.com/spreadsheets/d/" + spreadsheetID
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fserrors.WrapError(err, fserrors.CategorySheets, "encoding sheets request")
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return c.policy.Do(ctx, fserrors.IsRetryable, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fserrors.WrapError(err, fserrors.CategorySheets, "building sheets request")
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fserrors.Retryable(fserrors.CategoryNetwork, fserrors.SeverityError, "sheets api unreachable: "+err.Error())
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return classifyStatus(resp)
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fserrors.WrapError(err, fserrors.CategorySheets, "decoding sheets response")
		}
		return nil
	})
}

func classifyStatus(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	msg := fmt.Sprintf("sheets api returned %d", resp.StatusCode)
	var ae apiError
	if json.Unmarshal(data, &ae) == nil && ae.Error.Message != "" {
		msg = fmt.Sprintf("sheets api returned %d: %s", resp.StatusCode, ae.Error.Message)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fserrors.New(fserrors.CategoryAuth, fserrors.SeverityError, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fserrors.Retryable(fserrors.CategorySheets, fserrors.SeverityError, msg)
	default:
		return fserrors.New(fserrors.CategorySheets, fserrors.SeverityError, msg)
	}
}
