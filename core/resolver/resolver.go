package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"YoYoMusic/logger"
)

// ErrNoMatch 搜索无结果
var ErrNoMatch = errors.New("no playable source found")

// Source 解析出的可播放音源
type Source struct {
	Ref        string `json:"source_ref"`
	Title      string `json:"title"`
	DurationMs *int64 `json:"duration_ms"`
}

// Resolver 将搜索词解析为可播放音源
type Resolver interface {
	Resolve(ctx context.Context, query string) (*Source, error)
}

// HTTPResolver 对接兼容网易云 API 的搜索服务
type HTTPResolver struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPResolver 创建解析客户端
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type searchResponse struct {
	Code   int `json:"code"`
	Result struct {
		Songs []struct {
			ID      int64  `json:"id"`
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
			Duration int64 `json:"duration"` // 毫秒
		} `json:"songs"`
	} `json:"result"`
}

// Resolve 取搜索结果的第一首
func (r *HTTPResolver) Resolve(ctx context.Context, query string) (*Source, error) {
	params := url.Values{}
	params.Set("keywords", query)
	params.Set("limit", "1")
	endpoint := fmt.Sprintf("%s/search?%s", r.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	logger.Debug("Resolver search finished",
		logger.String("query", query),
		logger.Int("results", len(result.Result.Songs)),
		logger.Duration("elapsed", time.Since(start)))

	if len(result.Result.Songs) == 0 {
		return nil, ErrNoMatch
	}
	song := result.Result.Songs[0]

	title := song.Name
	if len(song.Artists) > 0 {
		names := make([]string, 0, len(song.Artists))
		for _, a := range song.Artists {
			names = append(names, a.Name)
		}
		title = fmt.Sprintf("%s - %s", song.Name, strings.Join(names, "/"))
	}

	src := &Source{
		Ref:   "netease:" + strconv.FormatInt(song.ID, 10),
		Title: title,
	}
	if song.Duration > 0 {
		d := song.Duration
		src.DurationMs = &d
	}
	return src, nil
}
