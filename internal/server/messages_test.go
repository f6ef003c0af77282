package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    inbound
		wantErr error
	}{
		{
			name: "join room",
			raw:  `{"type":"join_room","room_id":"lobby"}`,
			want: joinRoom{RoomID: "lobby"},
		},
		{
			name: "leave room ignores extra fields",
			raw:  `{"type":"leave_room","room_id":"lobby"}`,
			want: leaveRoom{},
		},
		{
			name: "transfer request",
			raw:  `{"type":"transfer-request","target":"b","fileName":"a.txt","fileSize":12,"fileType":"text/plain"}`,
			want: transferRequest{Target: "b", FileName: "a.txt", FileSize: 12, FileType: "text/plain"},
		},
		{
			name: "transfer request with empty file type",
			raw:  `{"type":"transfer-request","target":"b","fileName":"a.bin","fileSize":0,"fileType":""}`,
			want: transferRequest{Target: "b", FileName: "a.bin"},
		},
		{
			name: "transfer response accepted",
			raw:  `{"type":"transfer-response","target":"a","accepted":true}`,
			want: transferResponse{Target: "a", Accepted: true},
		},
		{
			name: "transfer response without accepted declines",
			raw:  `{"type":"transfer-response","target":"a"}`,
			want: transferResponse{Target: "a"},
		},
		{name: "not json", raw: `hello`, wantErr: errMalformedMessage},
		{name: "json array", raw: `[1,2]`, wantErr: errMalformedMessage},
		{name: "null", raw: `null`, wantErr: errMissingField},
		{name: "missing type", raw: `{"room_id":"lobby"}`, wantErr: errMissingField},
		{name: "non-string type", raw: `{"type":5}`, wantErr: errMalformedMessage},
		{name: "unknown type", raw: `{"type":"chat","content":"hi"}`, wantErr: errUnknownType},
		{name: "join without room", raw: `{"type":"join_room"}`, wantErr: errMissingField},
		{name: "join with empty room", raw: `{"type":"join_room","room_id":""}`, wantErr: errMissingField},
		{name: "join with numeric room", raw: `{"type":"join_room","room_id":7}`, wantErr: errMalformedMessage},
		{name: "offer without target", raw: `{"type":"offer","sdp":"x"}`, wantErr: errMissingField},
		{name: "candidate with null target", raw: `{"type":"ice-candidate","target":null}`, wantErr: errMissingField},
		{name: "request without file name", raw: `{"type":"transfer-request","target":"b","fileSize":1}`, wantErr: errMissingField},
		{name: "request without file type", raw: `{"type":"transfer-request","target":"b","fileName":"f","fileSize":1}`, wantErr: errMissingField},
		{name: "request with null file type", raw: `{"type":"transfer-request","target":"b","fileName":"f","fileSize":1,"fileType":null}`, wantErr: errMissingField},
		{name: "request without file size", raw: `{"type":"transfer-request","target":"b","fileName":"f","fileType":"text/plain"}`, wantErr: errMissingField},
		{name: "request with negative size", raw: `{"type":"transfer-request","target":"b","fileName":"f","fileSize":-1,"fileType":""}`, wantErr: errMalformedMessage},
		{name: "request with string size", raw: `{"type":"transfer-request","target":"b","fileName":"f","fileSize":"1","fileType":""}`, wantErr: errMalformedMessage},
		{name: "response with string accepted", raw: `{"type":"transfer-response","target":"a","accepted":"yes"}`, wantErr: errMalformedMessage},
		{name: "response without target", raw: `{"type":"transfer-response","accepted":true}`, wantErr: errMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInbound([]byte(tt.raw))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInboundSignalKeepsFields(t *testing.T) {
	for _, kind := range []MessageType{TypeOffer, TypeAnswer, TypeICECandidate} {
		t.Run(string(kind), func(t *testing.T) {
			raw := `{"type":"` + string(kind) + `","target":"b","payload":{"nested":[1,2]}}`

			msg, err := parseInbound([]byte(raw))
			require.NoError(t, err)

			sig, ok := msg.(signal)
			require.True(t, ok)
			assert.Equal(t, kind, sig.messageType())
			assert.Equal(t, "b", sig.target)
			assert.JSONEq(t, `{"nested":[1,2]}`, string(sig.fields["payload"]))
		})
	}
}

func TestForwardSignal(t *testing.T) {
	msg, err := parseInbound([]byte(`{"type":"offer","target":"b","sdp":"X","from":"spoofed"}`))
	require.NoError(t, err)

	payload, err := forwardSignal(msg.(signal), "a", "alice")
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"offer","sdp":"X","from":"a","from_username":"alice"}`, string(payload))
}

func TestOutboundShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want string
	}{
		{
			name: "room users",
			msg: roomUsersMessage{Type: TypeRoomUsers, RoomID: "r", Users: []RoomUser{
				{ID: "a", Username: "alice", Email: "a@example.com"},
			}},
			want: `{"type":"room_users","room_id":"r","users":[{"id":"a","username":"alice","email":"a@example.com"}]}`,
		},
		{
			name: "room joined",
			msg:  roomJoinedMessage{Type: TypeRoomJoined, RoomID: "r"},
			want: `{"type":"room_joined","room_id":"r"}`,
		},
		{
			name: "room left",
			msg:  roomLeftMessage{Type: TypeRoomLeft},
			want: `{"type":"room_left"}`,
		},
		{
			name: "transfer response",
			msg:  transferResponseMessage{Type: TypeTransferResponse, From: "b", Accepted: false},
			want: `{"type":"transfer-response","from":"b","accepted":false}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
