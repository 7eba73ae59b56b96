package handshake

import (
	"encoding/json"
	"errors"
	"fmt"

	"inffits/internal"
)

const (
	HeaderLoginSuccess   = "OAuth_Login_Success"
	HeaderLoginConfirmed = "OAuth_Login_Confirmed"
	HeaderIframeReady    = "infFITS_Iframe_Ready"
)

var ErrUnknownMessage = errors.New("unknown message")

// Message is one of LoginSuccess, LoginConfirmed, IframeReady or URLNotice.
type Message interface {
	isMessage()
}

type LoginSuccess struct {
	AccessToken string
	UserInfo    *internal.UserInfo
	Source      string
	Timestamp   int64
}

type LoginConfirmed struct {
	Timestamp int64
}

type IframeReady struct {
	Timestamp int64
}

// URLNotice tells the receiving frame the sender's current address.
type URLNotice struct {
	URL string
}

func (LoginSuccess) isMessage()   {}
func (LoginConfirmed) isMessage() {}
func (IframeReady) isMessage()    {}
func (URLNotice) isMessage()      {}

type wire struct {
	MsgHeader   string             `json:"MsgHeader,omitempty"`
	AccessToken string             `json:"access_token,omitempty"`
	UserInfo    *internal.UserInfo `json:"userInfo,omitempty"`
	Source      string             `json:"source,omitempty"`
	Timestamp   int64              `json:"timestamp,omitempty"`
	URL         string             `json:"url,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	var w wire
	switch m := msg.(type) {
	case LoginSuccess:
		w = wire{MsgHeader: HeaderLoginSuccess, AccessToken: m.AccessToken, UserInfo: m.UserInfo, Source: m.Source, Timestamp: m.Timestamp}
	case LoginConfirmed:
		w = wire{MsgHeader: HeaderLoginConfirmed, Timestamp: m.Timestamp}
	case IframeReady:
		w = wire{MsgHeader: HeaderIframeReady, Timestamp: m.Timestamp}
	case URLNotice:
		w = wire{URL: m.URL}
	default:
		return nil, fmt.Errorf("encode %T: %w", msg, ErrUnknownMessage)
	}
	return json.Marshal(w)
}

func Decode(data []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch w.MsgHeader {
	case HeaderLoginSuccess:
		return LoginSuccess{AccessToken: w.AccessToken, UserInfo: w.UserInfo, Source: w.Source, Timestamp: w.Timestamp}, nil
	case HeaderLoginConfirmed:
		return LoginConfirmed{Timestamp: w.Timestamp}, nil
	case HeaderIframeReady:
		return IframeReady{Timestamp: w.Timestamp}, nil
	case "":
		if w.URL != "" {
			return URLNotice{URL: w.URL}, nil
		}
	}
	return nil, fmt.Errorf("header %q: %w", w.MsgHeader, ErrUnknownMessage)
}
