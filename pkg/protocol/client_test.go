package protocol

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/golem/pkg/snowflake"
)

func strPtr(s string) *string { return &s }

func idPtr(id snowflake.ID) *snowflake.ID { return &id }

func u8Ptr(n uint8) *uint8 { return &n }

func TestDecodeClientMsg(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ClientMsg
	}{
		{"authenticate", `{"Authenticate":{"name":"alice","password":"pw"}}`, Authenticate{Name: "alice", Password: "pw"}},
		{"authenticate token string", `{"AuthenticateToken":"18446744073709551615"}`, AuthenticateToken{Token: 18446744073709551615}},
		{"authenticate token number", `{"AuthenticateToken":42}`, AuthenticateToken{Token: 42}},
		{"pong", `"Pong"`, Pong{}},
		{"pong object form", `{"Pong":null}`, Pong{}},
		{"message", `{"Message":{"parent":"123","content":"hi","dedup_id":"x1"}}`,
			SendMessage{Parent: 123, Content: "hi", DedupID: strPtr("x1")}},
		{"message without dedup", `{"Message":{"parent":"123","content":"hi"}}`,
			SendMessage{Parent: 123, Content: "hi"}},
		{"message ignores unknown fields", `{"Message":{"parent":"1","content":"","extra":true}}`,
			SendMessage{Parent: 1, Content: ""}},
		{"load all", `"LoadAllMessages"`, LoadAllMessages{}},
		{"load all object form", `{"LoadAllMessages":null}`, LoadAllMessages{}},
		{"load messages", `{"LoadMessages":{"before":"456","amount":50}}`, LoadMessages{Before: idPtr(456), Amount: 50}},
		{"load messages no before", `{"LoadMessages":{"amount":255}}`, LoadMessages{Amount: 255}},
		{"load messages null before", `{"LoadMessages":{"before":null,"amount":1}}`, LoadMessages{Amount: 1}},
		{"load children", `{"LoadChildren":{"parent":"123","depth":2}}`, LoadChildren{Parent: 123, Depth: u8Ptr(2)}},
		{"load children default depth", `{"LoadChildren":{"parent":"123"}}`, LoadChildren{Parent: 123}},
		{"change name", `{"ChangeName":"bob"}`, ChangeName{Name: "bob"}},
		{"surrounding whitespace", " \n\"Pong\"\t", Pong{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientMsg([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeClientMsgErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{"empty", ``, ErrMalformed},
		{"not json", `hello`, ErrMalformed},
		{"null", `null`, ErrMalformed},
		{"array", `["Pong"]`, ErrMalformed},
		{"two tags", `{"Pong":null,"LoadAllMessages":null}`, ErrMalformed},
		{"no tags", `{}`, ErrMalformed},
		{"unknown unit", `"Ping"`, ErrUnknownKind},
		{"unknown tag", `{"Delete":{"id":"1"}}`, ErrUnknownKind},
		{"numeric id", `{"Message":{"parent":123,"content":"hi"}}`, ErrMalformed},
		{"missing parent", `{"Message":{"content":"hi"}}`, ErrMalformed},
		{"missing content", `{"Message":{"parent":"1"}}`, ErrMalformed},
		{"message as unit", `"Message"`, ErrMalformed},
		{"amount overflow", `{"LoadMessages":{"amount":256}}`, ErrMalformed},
		{"amount missing", `{"LoadMessages":{"before":"1"}}`, ErrMalformed},
		{"negative depth", `{"LoadChildren":{"parent":"1","depth":-1}}`, ErrMalformed},
		{"children missing parent", `{"LoadChildren":{"depth":1}}`, ErrMalformed},
		{"bad id", `{"LoadChildren":{"parent":"abc"}}`, ErrMalformed},
		{"authenticate missing password", `{"Authenticate":{"name":"alice"}}`, ErrMalformed},
		{"token negative", `{"AuthenticateToken":"-1"}`, ErrMalformed},
		{"token text", `{"AuthenticateToken":"abc"}`, ErrMalformed},
		{"change name object", `{"ChangeName":{"name":"bob"}}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientMsg([]byte(tt.in))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, got)
		})
	}
}

func TestParseClientFrameRejectsBinary(t *testing.T) {
	_, err := ParseClientFrame(websocket.BinaryMessage, []byte(`"Pong"`))
	assert.ErrorIs(t, err, ErrBinaryFrame)

	msg, err := ParseClientFrame(websocket.TextMessage, []byte(`"Pong"`))
	require.NoError(t, err)
	assert.Equal(t, Pong{}, msg)
}

func TestEncodeClientMsg(t *testing.T) {
	tests := []struct {
		msg  ClientMsg
		want string
	}{
		{Pong{}, `"Pong"`},
		{LoadAllMessages{}, `"LoadAllMessages"`},
		{ChangeName{Name: "bob"}, `{"ChangeName":"bob"}`},
		{AuthenticateToken{Token: 7}, `{"AuthenticateToken":"7"}`},
		{Authenticate{Name: "a", Password: "p"}, `{"Authenticate":{"name":"a","password":"p"}}`},
		{SendMessage{Parent: 9, Content: "hi", DedupID: strPtr("d")}, `{"Message":{"parent":"9","content":"hi","dedup_id":"d"}}`},
		{LoadMessages{Amount: 3}, `{"LoadMessages":{"amount":3}}`},
		{LoadChildren{Parent: 5, Depth: u8Ptr(1)}, `{"LoadChildren":{"parent":"5","depth":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.msg.Kind(), func(t *testing.T) {
			got, err := EncodeClientMsg(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))

			back, err := DecodeClientMsg(got)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, back)
		})
	}
}

func TestAuthenticateStringHidesPassword(t *testing.T) {
	s := Authenticate{Name: "alice", Password: "hunter2"}.String()
	assert.Contains(t, s, "alice")
	assert.NotContains(t, s, "hunter2")
}
