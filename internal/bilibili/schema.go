package bilibili

import "encoding/json"

// envelope is the common response wrapper of the web API.
type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type countData struct {
	Count *int `json:"count"`
}

type member struct {
	Uname string `json:"uname"`
}

type content struct {
	Message string `json:"message"`
}

type replyItem struct {
	RPID    int64   `json:"rpid"`
	RCount  int     `json:"rcount"`
	Parent  int64   `json:"parent"`
	Member  member  `json:"member"`
	Content content `json:"content"`
}

type mainData struct {
	Replies []replyItem `json:"replies"`
	Cursor  struct {
		PaginationReply struct {
			NextOffset *string `json:"next_offset"`
		} `json:"pagination_reply"`
	} `json:"cursor"`
}

type replyData struct {
	Replies []replyItem `json:"replies"`
}

type searchData struct {
	Result []struct {
		ResultType string            `json:"result_type"`
		Data       []json.RawMessage `json:"data"`
	} `json:"result"`
}

type searchVideo struct {
	ID    int64  `json:"id"`
	AID   int64  `json:"aid"`
	Title string `json:"title"`
}

type cookieInfo struct {
	Refresh bool `json:"refresh"`
}
