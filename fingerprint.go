package main

import (
	"github.com/bogdanfinn/tls-client/profiles"
)

// Platform identifies the device family a fingerprint imitates.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformDesktop Platform = "desktop"
)

// HeaderFragment is one ordered client-hint header name/value pair.
type HeaderFragment struct {
	Name  string
	Value string
}

// FingerprintProfile is an immutable device identity record: the TLS handshake
// signature, HTTP/2 settings signature, user agent, and header set that
// together mimic a specific real device/browser combination.
type FingerprintProfile struct {
	ID               string
	Platform         Platform
	UserAgent        string
	ClientHints      []HeaderFragment
	JA3              string
	HTTP2Fingerprint string
	// ProductHeaders carries service-specific markers (client version etc).
	ProductHeaders map[string]string
	// TLSProfile binds the identity to a concrete ClientHello/HTTP2 spec.
	TLSProfile profiles.ClientProfile
}

// Mobile reports whether the profile presents as a mobile device.
func (p *FingerprintProfile) Mobile() bool {
	return p.Platform == PlatformAndroid || p.Platform == PlatformIOS
}

// defaultCatalog is the static identity catalog, loaded once at startup and
// never mutated. JA3 strings follow the standard
// version,ciphers,extensions,curves,pointformats encoding; HTTP/2 fingerprints
// use the Akamai settings|window|priority|pseudo-order encoding.
func defaultCatalog() []*FingerprintProfile {
	return []*FingerprintProfile{
		{
			ID:        "chrome-143-windows",
			Platform:  PlatformDesktop,
			UserAgent: Chrome143UserAgent,
			ClientHints: []HeaderFragment{
				{"sec-ch-ua", Chrome143SecChUa},
				{"sec-ch-ua-mobile", "?0"},
				{"sec-ch-ua-platform", `"Windows"`},
			},
			JA3:              "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,45-27-23-10-13-35-5-65037-16-51-0-18-43-11-17513-65281,4588-29-23-24,0",
			HTTP2Fingerprint: "1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p",
			ProductHeaders:   map[string]string{"x-suno-client": "web/1.0.42"},
			TLSProfile:       chrome143Profile,
		},
		{
			ID:        "chrome-131-android",
			Platform:  PlatformAndroid,
			UserAgent: "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36",
			ClientHints: []HeaderFragment{
				{"sec-ch-ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`},
				{"sec-ch-ua-mobile", "?1"},
				{"sec-ch-ua-platform", `"Android"`},
			},
			JA3:              "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,45-27-23-10-13-35-5-16-51-0-18-43-11-17513-65281,29-23-24,0",
			HTTP2Fingerprint: "1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p",
			ProductHeaders:   map[string]string{"x-suno-client": "android/2.3.11"},
			TLSProfile:       profiles.Chrome_131,
		},
		{
			ID:        "okhttp-android-13",
			Platform:  PlatformAndroid,
			UserAgent: "Suno/2.3.11 (Android 13; SM-S908B) okhttp/4.12.0",
			ClientHints: []HeaderFragment{
				{"sec-ch-ua-mobile", "?1"},
				{"sec-ch-ua-platform", `"Android"`},
			},
			JA3:              "771,4865-4866-4867-49195-49196-52393-49199-49200-52392-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-13-51-45-43-21,29-23-24,0",
			HTTP2Fingerprint: "4:16777216|16711681|0|m,p,a,s",
			ProductHeaders:   map[string]string{"x-suno-client": "android/2.3.11"},
			TLSProfile:       profiles.Okhttp4Android13,
		},
		{
			ID:        "safari-ios-17",
			Platform:  PlatformIOS,
			UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
			ClientHints: []HeaderFragment{
				{"sec-ch-ua-mobile", "?1"},
				{"sec-ch-ua-platform", `"iOS"`},
			},
			JA3:              "771,4865-4866-4867-49196-49195-52393-49200-49199-52392-49162-49161-49172-49171-157-156-53-47-49160-49170-10,0-23-65281-10-11-16-5-13-18-51-45-43-27-21,29-23-24-25,0",
			HTTP2Fingerprint: "2:0;3:100;4:2097152;8:1;9:1|10485760|0|m,s,p,a",
			ProductHeaders:   map[string]string{"x-suno-client": "ios/2.4.2"},
			TLSProfile:       profiles.Safari_IOS_17_0,
		},
		{
			ID:        "chrome-133-macos",
			Platform:  PlatformDesktop,
			UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
			ClientHints: []HeaderFragment{
				{"sec-ch-ua", `"Google Chrome";v="133", "Chromium";v="133", "Not(A:Brand";v="99"`},
				{"sec-ch-ua-mobile", "?0"},
				{"sec-ch-ua-platform", `"macOS"`},
			},
			JA3:              "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,45-27-23-10-13-35-5-65037-16-51-0-18-43-11-17513-65281,4588-29-23-24,0",
			HTTP2Fingerprint: "1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p",
			ProductHeaders:   map[string]string{"x-suno-client": "web/1.0.42"},
			TLSProfile:       profiles.Chrome_133,
		},
	}
}

// fallbackProfile is the guaranteed default returned when the pool has to
// recover from a fully-blocked catalog.
func fallbackProfile(catalog []*FingerprintProfile) *FingerprintProfile {
	return catalog[0]
}
