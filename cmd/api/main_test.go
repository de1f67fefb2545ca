package main

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/nimbusgpu/nimbus-control-plane/internal/config"
	"github.com/nimbusgpu/nimbus-control-plane/internal/gpu"
)

func TestBuildProvisioner_FakeByDefault(t *testing.T) {
	cfg := config.Config{GPUProvider: "fake"}
	prov := buildProvisioner(cfg, zerolog.Nop())
	if _, ok := prov.(*gpu.FakeProvisioner); !ok {
		t.Fatalf("expected fake provisioner, got %T", prov)
	}
}

func TestBuildProvisioner_AWSWhenConfigured(t *testing.T) {
	cfg := config.Config{
		GPUProvider:     "aws",
		AWSAMIMap:       map[string]string{"us-east-1": "ami-123"},
		AWSInstanceType: "g5.xlarge",
	}
	prov := buildProvisioner(cfg, zerolog.Nop())
	if _, ok := prov.(*gpu.AWSProvisioner); !ok {
		t.Fatalf("expected aws provisioner, got %T", prov)
	}
}
