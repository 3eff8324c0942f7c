package courier

import (
	"errors"
	"testing"

	"github.com/rbaliyan/courier/attachment"
	"github.com/rbaliyan/courier/transport"
)

func TestSentinelWrapping(t *testing.T) {
	t.Run("root sentinels match transport sentinels", func(t *testing.T) {
		if !errors.Is(ErrNotConnected, transport.ErrNotConnected) {
			t.Error("ErrNotConnected should wrap transport.ErrNotConnected")
		}
		if !errors.Is(ErrAlreadyConnected, transport.ErrAlreadyConnected) {
			t.Error("ErrAlreadyConnected should wrap transport.ErrAlreadyConnected")
		}
	})

	t.Run("malformed attachment alias", func(t *testing.T) {
		err := attachment.FromBytes([]byte{0x80}).Range(func(attachment.Pair) error { return nil })
		if !errors.Is(err, ErrMalformedAttachment) {
			t.Errorf("expected ErrMalformedAttachment match, got %v", err)
		}
	})
}

func TestEventPublishError(t *testing.T) {
	cause := errors.New("bus down")
	err := &EventPublishError{Event: "QuerySent", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose cause")
	}
	if err.Error() == "" {
		t.Error("expected non-empty message")
	}
}

func TestIsValidKeyExpr(t *testing.T) {
	valid := []string{"demo/room/1", "a", "demo/**", "sensor-1_temp.c"}
	for _, ke := range valid {
		if !isValidKeyExpr(ke) {
			t.Errorf("expected %q to be valid", ke)
		}
	}

	invalid := []string{"", " ", "a b", "a\tb", "a\nb", "a\x00b", "a\x7fb"}
	for _, ke := range invalid {
		if isValidKeyExpr(ke) {
			t.Errorf("expected %q to be invalid", ke)
		}
	}
}
