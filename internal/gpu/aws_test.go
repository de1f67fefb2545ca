package gpu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/nimbusgpu/nimbus-control-plane/internal/metrics"
)

func testProvisioner(t *testing.T) *AWSProvisioner {
	t.Helper()
	metrics.ResetDefaultForTest()
	p, err := NewAWSProvisioner(AWSProvisionerOptions{
		AMIByRegion: map[string]string{"us-east-1": "ami-123"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAWSProvisioner: %v", err)
	}
	return p
}

func TestNewAWSProvisioner_DefaultsInstanceType(t *testing.T) {
	p := testProvisioner(t)
	if p.instanceType != "g4dn.xlarge" {
		t.Fatalf("got instance type %q", p.instanceType)
	}
}

func TestNewAWSProvisioner_RequiresAMIMap(t *testing.T) {
	if _, err := NewAWSProvisioner(AWSProvisionerOptions{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty AMI map")
	}
}

func TestProvision_UnknownRegion(t *testing.T) {
	p := testProvisioner(t)
	_, err := p.Provision(context.Background(), ProvisionRequest{
		SessionID: "ses_1",
		OwnerID:   "usr_1",
		Region:    "eu-west-3",
	})
	if err == nil {
		t.Fatal("expected error for unconfigured region")
	}
}

func TestShouldIgnoreTerminateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "instance not found",
			err:  &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "missing"},
			want: true,
		},
		{
			name: "incorrect instance state",
			err:  &smithy.GenericAPIError{Code: "IncorrectInstanceState", Message: "already terminated"},
			want: true,
		},
		{
			name: "other aws error",
			err:  &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "throttle"},
			want: false,
		},
		{
			name: "non aws error",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shouldIgnoreTerminateError(tt.err)
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTransientAWSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "request limit exceeded",
			err:  &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "throttle"},
			want: true,
		},
		{
			name: "insufficient capacity",
			err:  &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity", Message: "no g4dn.xlarge in az"},
			want: true,
		},
		{
			name: "invalid instance id",
			err:  &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "not found"},
			want: false,
		},
		{
			name: "non aws error",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isTransientAWSError(tt.err)
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAWS_NonTransientDoesNotRetry(t *testing.T) {
	p := testProvisioner(t)
	attempts := 0
	err := p.retryAWS(context.Background(), "run_instances", "us-east-1", func(context.Context) error {
		attempts++
		return &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestWithJitter_Bounds(t *testing.T) {
	base := 2 * time.Second
	for i := 0; i < 100; i++ {
		d := withJitter(base)
		if d < base/10 || d >= base {
			t.Fatalf("jittered delay %v outside [%v, %v)", d, base/10, base)
		}
	}
}

func TestFakeProvisioner_RoundTrip(t *testing.T) {
	f := NewFakeProvisioner()
	res, err := f.Provision(context.Background(), ProvisionRequest{SessionID: "ses_1", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if res.InstanceID != "i-fake-ses_1" {
		t.Fatalf("got instance id %q", res.InstanceID)
	}
	if err := f.Release(context.Background(), ReleaseRequest{InstanceID: res.InstanceID}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	released := f.Released()
	if len(released) != 1 || released[0] != "i-fake-ses_1" {
		t.Fatalf("unexpected released list %v", released)
	}
}
