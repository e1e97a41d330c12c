package model

import "errors"

// 房间核心错误类型
// 业务层用 fmt.Errorf("...: %w", ErrXxx) 包装，调用方用 errors.Is 判断
var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidSong         = errors.New("song is not the current playing entry")
	ErrStaleVote           = errors.New("vote targets a song that has already advanced")
	ErrTransientDisconnect = errors.New("connection lost")
	ErrRoomFull            = errors.New("room is full")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrBadRequest          = errors.New("bad request")
	// ErrUpstream 外部音源解析服务不可达或返回异常
	ErrUpstream = errors.New("upstream resolver failed")
	// ErrUnavailable 房间由其他实例持有且暂时无法转发，可重试
	ErrUnavailable = errors.New("room owner unavailable")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrForbidden, "forbidden"},
	{ErrInvalidSong, "invalid_song"},
	{ErrStaleVote, "stale_vote"},
	{ErrTransientDisconnect, "transient_disconnect"},
	{ErrRoomFull, "room_full"},
	{ErrRateLimited, "rate_limited"},
	{ErrBadRequest, "bad_request"},
	{ErrUpstream, "upstream_error"},
	{ErrUnavailable, "unavailable"},
}

// ErrorCode 返回错误对应的机器可读代码，用于 HTTP 响应和 WebSocket error 消息
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorFromCode 由代码还原哨兵错误，跨实例转发时使用
// 未知代码返回 nil
func ErrorFromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
