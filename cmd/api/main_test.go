package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestBindFlagsPrecedence(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9001")

	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	bindFlags(cmd, v)

	if got := v.GetString("port"); got != "9001" {
		t.Fatalf("expected env port 9001, got %s", got)
	}
	if err := cmd.Flags().Set("port", "9100"); err != nil {
		t.Fatalf("set flag err: %v", err)
	}
	if got := v.GetString("port"); got != "9100" {
		t.Fatalf("expected flag port 9100, got %s", got)
	}
	if got := v.GetString("host"); got != "127.0.0.1" {
		t.Fatalf("expected env host, got %s", got)
	}
	if got := v.GetString("env-file"); got != ".env" {
		t.Fatalf("expected default env file, got %s", got)
	}
}
