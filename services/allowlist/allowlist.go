// Package allowlist resolves standing device exemptions from enforcement.
package allowlist

import (
	"strings"
	"time"

	"github.com/upb/llm-enforcement-gateway/internal/identity"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services"
)

// IsDeviceActive reports whether d is currently eligible for bypass.
// Permanent devices are always eligible.
func IsDeviceActive(d models.Device, now time.Time) bool {
	if d.Permanent {
		return true
	}
	if !d.Enabled {
		return false
	}
	return d.ExpiresAt == nil || now.Before(*d.ExpiresAt)
}

// FindByIP returns the first active device in list order whose IP matches.
func FindByIP(snap *models.Snapshot, ip string, now time.Time) (*models.Device, bool) {
	if snap == nil || ip == "" {
		return nil, false
	}
	target := identity.NormalizeIP(ip)
	for i := range snap.Devices {
		d := snap.Devices[i]
		if identity.NormalizeIP(d.IP) == target && IsDeviceActive(d, now) {
			return &d, true
		}
	}
	return nil, false
}

// FindByMAC returns the first active device in list order whose MAC matches.
// An invalid MAC matches nothing.
func FindByMAC(snap *models.Snapshot, mac string, now time.Time) (*models.Device, bool) {
	if snap == nil {
		return nil, false
	}
	target, ok := identity.NormalizeMAC(mac)
	if !ok {
		return nil, false
	}
	for i := range snap.Devices {
		d := snap.Devices[i]
		if d.MAC == nil {
			continue
		}
		if m, ok := identity.NormalizeMAC(*d.MAC); ok && m == target && IsDeviceActive(d, now) {
			return &d, true
		}
	}
	return nil, false
}

// IsAllowlisted tries an IP match first and falls back to MAC when one is supplied.
func IsAllowlisted(snap *models.Snapshot, ip, mac string, now time.Time) (*models.Device, bool) {
	if d, ok := FindByIP(snap, ip, now); ok {
		return d, true
	}
	if mac != "" {
		return FindByMAC(snap, mac, now)
	}
	return nil, false
}

// GroupsFor returns the names of enabled groups containing ip.
func GroupsFor(snap *models.Snapshot, ip string) []string {
	var names []string
	if snap == nil {
		return names
	}
	target := identity.NormalizeIP(ip)
	for _, g := range snap.Groups {
		if !g.Enabled {
			continue
		}
		for _, member := range g.DeviceIPs {
			if identity.NormalizeIP(member) == target {
				names = append(names, g.Name)
				break
			}
		}
	}
	return names
}

// IsInGroup reports whether ip is a member of the enabled group named group.
func IsInGroup(snap *models.Snapshot, ip, group string) bool {
	for _, name := range GroupsFor(snap, ip) {
		if name == group {
			return true
		}
	}
	return false
}

// AddDevice normalizes d and appends it to snap. A MAC that does not
// normalize is rejected, as is a second device with the same IP.
func AddDevice(snap *models.Snapshot, d models.Device, now time.Time) (*models.Device, error) {
	if strings.TrimSpace(d.IP) == "" {
		return nil, services.ErrInvalidIP
	}
	if strings.TrimSpace(d.Name) == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "device name is required", nil)
	}
	d.IP = identity.NormalizeIP(d.IP)
	if d.MAC != nil && *d.MAC != "" {
		mac, ok := identity.NormalizeMAC(*d.MAC)
		if !ok {
			return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidMAC.Message, nil).WithDetail("mac", *d.MAC)
		}
		d.MAC = &mac
	} else {
		d.MAC = nil
	}
	for _, existing := range snap.Devices {
		if identity.NormalizeIP(existing.IP) == d.IP {
			return nil, services.ErrDuplicateDevice
		}
	}
	if d.AddedAt.IsZero() {
		d.AddedAt = now.UTC()
	}

	snap.Devices = append(snap.Devices, d)
	if d.Group != nil && *d.Group != "" {
		addToGroup(snap, *d.Group, d.IP)
	}
	return &d, nil
}

// RemoveDevice deletes the device with ip from snap and from every group.
func RemoveDevice(snap *models.Snapshot, ip string) (*models.Device, error) {
	target := identity.NormalizeIP(ip)
	for i, d := range snap.Devices {
		if identity.NormalizeIP(d.IP) == target {
			snap.Devices = append(snap.Devices[:i], snap.Devices[i+1:]...)
			for gi := range snap.Groups {
				snap.Groups[gi].DeviceIPs = removeIP(snap.Groups[gi].DeviceIPs, target)
			}
			return &d, nil
		}
	}
	return nil, services.ErrDeviceNotFound
}

// AddGroup appends g to snap with normalized member IPs.
func AddGroup(snap *models.Snapshot, g models.Group) error {
	if strings.TrimSpace(g.Name) == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "group name is required", nil)
	}
	for _, existing := range snap.Groups {
		if existing.Name == g.Name {
			return services.ErrDuplicateGroup
		}
	}
	ips := make([]string, 0, len(g.DeviceIPs))
	for _, ip := range g.DeviceIPs {
		ips = append(ips, identity.NormalizeIP(ip))
	}
	g.DeviceIPs = ips
	snap.Groups = append(snap.Groups, g)
	return nil
}

// RemoveGroup deletes the group named name. Devices keep their group label.
func RemoveGroup(snap *models.Snapshot, name string) error {
	for i, g := range snap.Groups {
		if g.Name == name {
			snap.Groups = append(snap.Groups[:i], snap.Groups[i+1:]...)
			return nil
		}
	}
	return services.ErrGroupNotFound
}

func addToGroup(snap *models.Snapshot, group, ip string) {
	for i := range snap.Groups {
		if snap.Groups[i].Name != group {
			continue
		}
		for _, member := range snap.Groups[i].DeviceIPs {
			if identity.NormalizeIP(member) == ip {
				return
			}
		}
		snap.Groups[i].DeviceIPs = append(snap.Groups[i].DeviceIPs, ip)
		return
	}
}

func removeIP(ips []string, target string) []string {
	out := ips[:0]
	for _, ip := range ips {
		if identity.NormalizeIP(ip) != target {
			out = append(out, ip)
		}
	}
	return out
}
