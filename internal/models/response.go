// Package models holds the JSON shapes shared by the HTTP surface.
package models

import (
	"net/http"
	"time"

	"sxwatch.onebusaway.org/internal/clock"
)

// ResponseModel is the envelope every JSON route writes.
type ResponseModel struct {
	Code        int    `json:"code"`
	CurrentTime int64  `json:"currentTime"`
	Data        any    `json:"data,omitempty"`
	Text        string `json:"text"`
	Version     int    `json:"version"`
}

// NewOKResponse creates a successful response stamped by c.
func NewOKResponse(data any, c clock.Clock) ResponseModel {
	return NewResponse(http.StatusOK, data, "OK", c)
}

// NewListResponse wraps list the way collection routes do.
func NewListResponse(list any, c clock.Clock) ResponseModel {
	return NewOKResponse(map[string]any{
		"list": list,
	}, c)
}

// NewEntryResponse wraps a single entry.
func NewEntryResponse(entry any, c clock.Clock) ResponseModel {
	return NewOKResponse(map[string]any{
		"entry": entry,
	}, c)
}

// NewResponse creates a response with an explicit code and text.
func NewResponse(code int, data any, text string, c clock.Clock) ResponseModel {
	return ResponseModel{
		Code:        code,
		CurrentTime: ResponseCurrentTime(c),
		Data:        data,
		Text:        text,
		Version:     2,
	}
}

// ResponseCurrentTime returns c's time as Unix milliseconds, or the wall
// clock when c is nil.
func ResponseCurrentTime(c clock.Clock) int64 {
	if c == nil {
		return time.Now().UnixMilli()
	}
	return c.NowUnixMilli()
}

// CurrentTimeData is the body of the current-time route.
type CurrentTimeData struct {
	Time         int64  `json:"time"`
	ReadableTime string `json:"readableTime"`
}

func NewCurrentTimeData(t time.Time) CurrentTimeData {
	return CurrentTimeData{
		Time:         t.UnixMilli(),
		ReadableTime: t.Format(time.RFC3339),
	}
}
