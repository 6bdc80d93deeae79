package tracecore

import (
	"errors"
	"os"
	"syscall"
	"testing"
)

func TestWrapChannelErrPermissionDenied(t *testing.T) {
	for _, cause := range []error{os.ErrPermission, syscall.EPERM, syscall.EACCES} {
		err := wrapChannelErr(cause)
		if !errors.Is(err, ErrChannelCreation) {
			t.Errorf("wrapChannelErr(%v) does not wrap ErrChannelCreation", cause)
		}
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("wrapChannelErr(%v) does not wrap ErrPermissionDenied", cause)
		}
	}

	other := wrapChannelErr(errors.New("no such device"))
	if !errors.Is(other, ErrChannelCreation) {
		t.Errorf("wrapChannelErr does not wrap ErrChannelCreation for a generic cause")
	}
	if errors.Is(other, ErrPermissionDenied) {
		t.Errorf("a non-permission failure must not report ErrPermissionDenied")
	}
}
