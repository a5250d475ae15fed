package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gotest.tools/v3/assert/cmp"

	gtassert "gotest.tools/v3/assert"
)

func TestEncode(t *testing.T) {
	data, err := Encode(Activate("60"))
	gtassert.NilError(t, err)
	gtassert.Equal(t, string(data),
		`{"event":"activate_motion_detection","payload":{"targetDevice":"60"}}`)

	data, err = Encode(Reset())
	gtassert.NilError(t, err)
	gtassert.Equal(t, string(data), `{"event":"reset_all_devices","payload":{}}`)

	_, err = Encode(Message{Event: EventActivate})
	gtassert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Encode(Message{Event: "bogus"})
	gtassert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Message
		wantErr error
	}{
		{
			name: "activate",
			data: `{"event":"activate_motion_detection","payload":{"targetDevice":"30"}}`,
			want: Activate("30"),
		},
		{
			name: "activate stop",
			data: `{"payload":{"targetDevice":"stop"},"event":"activate_motion_detection"}`,
			want: Activate("stop"),
		},
		{
			name: "reset",
			data: `{"event":"reset_all_devices","payload":{}}`,
			want: Reset(),
		},
		{
			name: "reset without payload",
			data: `{"event":"reset_all_devices"}`,
			want: Reset(),
		},
		{
			name:    "unknown event",
			data:    `{"event":"presence_sync","payload":{}}`,
			wantErr: ErrUnknownEvent,
		},
		{
			name:    "activate without target",
			data:    `{"event":"activate_motion_detection","payload":{}}`,
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "numeric target",
			data:    `{"event":"activate_motion_detection","payload":{"targetDevice":60}}`,
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "no json",
			data:    `activate`,
			wantErr: ErrMalformedMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.data))
			if tt.wantErr != nil {
				gtassert.ErrorIs(t, err, tt.wantErr)
				return
			}
			gtassert.NilError(t, err)
			gtassert.Assert(t, cmp.DeepEqual(got, tt.want))
		})
	}
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "sprint-broadcast-k3x9", ChannelName("k3x9"))
	assert.Equal(t, "activate_motion_detection(60)", Activate("60").String())
	assert.Equal(t, "reset_all_devices", Reset().String())
}
