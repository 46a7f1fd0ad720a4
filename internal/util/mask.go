package util

import "strings"

// MaskSecret deja visibles solo los primeros caracteres de un identificador
// sensible (session id, jti) para poder correlacionar logs sin exponerlo.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:6] + "…"
}

// MaskIP oculta el último octeto de una IPv4 o los últimos grupos de una IPv6.
func MaskIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if i := strings.LastIndexByte(ip, '.'); i > 0 && !strings.Contains(ip, ":") {
		return ip[:i] + ".x"
	}
	parts := strings.Split(ip, ":")
	if len(parts) > 3 {
		return strings.Join(parts[:3], ":") + ":…"
	}
	return ip
}
