package fleet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/zeebo/blake3"

	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
)

func TestAttachmentBuffer(t *testing.T) {
	tests := []struct {
		name    string
		max     int
		writes  []string
		wantErr bool
		wantLen int
	}{
		{name: "within cap", max: 10, writes: []string{"abc", "def"}, wantLen: 6},
		{name: "exactly at cap", max: 6, writes: []string{"abc", "def"}, wantLen: 6},
		{name: "over cap", max: 5, writes: []string{"abc", "def"}, wantErr: true},
		{name: "write after failure", max: 2, writes: []string{"abc", "d"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewAttachmentBuffer(tt.max)
			var err error
			for _, w := range tt.writes {
				if _, werr := buf.Write([]byte(w)); werr != nil {
					err = werr
				}
			}

			if tt.wantErr {
				if !errors.Is(err, ErrPayloadTooLarge) {
					t.Fatalf("error = %v, want ErrPayloadTooLarge", err)
				}
				if buf.Len() != 0 || buf.Err() == nil {
					t.Errorf("poisoned buffer kept %d bytes, err = %v", buf.Len(), buf.Err())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error = %v", err)
			}
			if buf.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", buf.Len(), tt.wantLen)
			}
		})
	}
}

func TestEngine_SetAttachment(t *testing.T) {
	e, _, _ := newTestEngine(t, func(cfg *config.FleetConfig) { cfg.MaxAttachmentBytes = 16 })
	ctx := context.Background()

	frame := []byte("jpeg-frame-0001")
	if _, err := e.SetAttachment(ctx, httpOrigin, "drone-1", "image/jpeg", bytes.NewReader(frame)); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("SetAttachment() on unknown device error = %v", err)
	}

	e.Register(ctx, httpOrigin, RegisterRequest{DeviceID: "drone-1"}) //nolint:errcheck // id is set

	if _, _, err := e.Attachment(ctx, "drone-1"); !errors.Is(err, ErrAttachmentNotFound) {
		t.Errorf("Attachment() before upload error = %v", err)
	}

	info, err := e.SetAttachment(ctx, httpOrigin, "drone-1", "image/jpeg", bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("SetAttachment() error = %v", err)
	}
	sum := blake3.Sum256(frame)
	if info.Digest != hex.EncodeToString(sum[:]) {
		t.Errorf("Digest = %s", info.Digest)
	}
	if info.Size != len(frame) || info.ContentType != "image/jpeg" {
		t.Errorf("info = %+v", info)
	}

	tooBig := bytes.Repeat([]byte("x"), 17)
	if _, err := e.SetAttachment(ctx, httpOrigin, "drone-1", "image/jpeg", bytes.NewReader(tooBig)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized SetAttachment() error = %v, want ErrPayloadTooLarge", err)
	}

	data, kept, err := e.Attachment(ctx, "drone-1")
	if err != nil {
		t.Fatalf("Attachment() error = %v", err)
	}
	if !bytes.Equal(data, frame) || kept.Digest != info.Digest {
		t.Errorf("previous attachment not kept: %q", data)
	}

	d, _ := e.Device(ctx, "drone-1")
	if d.Attachment == nil || d.Attachment.Size != len(frame) {
		t.Errorf("device attachment info = %+v", d.Attachment)
	}
}

func TestEngine_SetAttachmentReconnects(t *testing.T) {
	e, _, pub := newTestEngine(t, nil)
	ctx := context.Background()
	e.Register(ctx, httpOrigin, RegisterRequest{DeviceID: "drone-1"}) //nolint:errcheck // id is set
	e.Disconnected(ctx, Origin{Transport: "stream"}, "drone-1")
	pub.reset()

	if _, err := e.SetAttachment(ctx, httpOrigin, "drone-1", "image/jpeg", bytes.NewReader([]byte("frame"))); err != nil {
		t.Fatalf("SetAttachment() error = %v", err)
	}
	if got := pub.count(EventDeviceConnected); got != 1 {
		t.Errorf("device_connected events = %d, want 1 (events %v)", got, pub.kinds())
	}
	if d, _ := e.Device(ctx, "drone-1"); d.Status != StatusConnected {
		t.Errorf("status = %s, want connected", d.Status)
	}

	pub.reset()
	e.SetAttachment(ctx, httpOrigin, "drone-1", "image/jpeg", bytes.NewReader([]byte("frame"))) //nolint:errcheck // device exists
	if got := pub.count(EventDeviceConnected); got != 0 {
		t.Errorf("upload from a connected device published %d device_connected events", got)
	}
}
