package proxmox

import (
	"testing"

	proxmoxapi "github.com/luthermonson/go-proxmox"
)

func TestParseMAC(t *testing.T) {
	tests := []struct {
		name string
		net  string
		want string
	}{
		{"virtio device", "virtio=DE:AD:BE:EF:00:01,bridge=vmbr0,tag=20", "de:ad:be:ef:00:01"},
		{"e1000 device", "e1000=AA:BB:CC:DD:EE:FF,bridge=vmbr1", "aa:bb:cc:dd:ee:ff"},
		{"mac not first", "bridge=vmbr0,virtio=DE:AD:BE:EF:00:01", "de:ad:be:ef:00:01"},
		{"no mac", "bridge=vmbr0,firewall=1", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseMAC(tt.net); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMACFromConfig(t *testing.T) {
	cfg := &proxmoxapi.VirtualMachineConfig{Net0: "virtio=DE:AD:BE:EF:00:01,bridge=vmbr0"}
	if got := macFromConfig(cfg); got != "de:ad:be:ef:00:01" {
		t.Errorf("Expected de:ad:be:ef:00:01, got %q", got)
	}
	if got := macFromConfig(nil); got != "" {
		t.Errorf("Expected empty MAC for a nil config, got %q", got)
	}
	if got := macFromConfig(&proxmoxapi.VirtualMachineConfig{}); got != "" {
		t.Errorf("Expected empty MAC without a net0 device, got %q", got)
	}
}
