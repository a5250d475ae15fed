package camera

import (
	"errors"
	"image"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/stretchr/testify/assert"
)

func TestSelectDevice(t *testing.T) {
	mic := mediadevices.MediaDeviceInfo{DeviceID: "mic", Kind: mediadevices.AudioInput, Label: "Rear Mic"}
	front := mediadevices.MediaDeviceInfo{DeviceID: "f", Kind: mediadevices.VideoInput, Label: "Front Camera"}
	back := mediadevices.MediaDeviceInfo{DeviceID: "b", Kind: mediadevices.VideoInput, Label: "Back Camera"}
	usb := mediadevices.MediaDeviceInfo{DeviceID: "u", Kind: mediadevices.VideoInput, Label: "USB Cam 0"}

	tests := []struct {
		name    string
		devices []mediadevices.MediaDeviceInfo
		label   string
		facing  string
		want    string
		wantOk  bool
	}{
		{"no video", []mediadevices.MediaDeviceInfo{mic}, "", FacingEnvironment, "", false},
		{"environment", []mediadevices.MediaDeviceInfo{mic, front, back}, "", FacingEnvironment, "b", true},
		{"user", []mediadevices.MediaDeviceInfo{back, front}, "", FacingUser, "f", true},
		{"fallback first", []mediadevices.MediaDeviceInfo{mic, usb, front}, "", FacingEnvironment, "u", true},
		{"label wins", []mediadevices.MediaDeviceInfo{back, usb}, "usb", FacingEnvironment, "u", true},
		{"unknown label", []mediadevices.MediaDeviceInfo{front, back}, "webcam", FacingEnvironment, "b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := selectDevice(tt.devices, tt.label, tt.facing)
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.want, got.DeviceID)
		})
	}
}

func TestCloneFrame(t *testing.T) {
	src := image.NewYCbCr(image.Rect(0, 0, 4, 2), image.YCbCrSubsampleRatio420)
	src.Y[0] = 42
	got, ok := cloneFrame(src).(*image.YCbCr)
	assert.True(t, ok)
	src.Y[0] = 7
	assert.Equal(t, uint8(42), got.Y[0])

	nrgba := image.NewNRGBA(image.Rect(0, 0, 3, 3))
	cl := cloneFrame(nrgba)
	assert.Equal(t, nrgba.Bounds(), cl.Bounds())
	w, h := frameDimensions(cl)
	assert.Equal(t, 3, w)
	assert.Equal(t, 3, h)
}

func TestErrorHierarchy(t *testing.T) {
	assert.True(t, errors.Is(ErrPermissionDenied, ErrCameraUnavailable))
	assert.True(t, errors.Is(ErrNoDeviceFound, ErrCameraUnavailable))
	w, h := frameDimensions(nil)
	assert.Zero(t, w+h)
}
