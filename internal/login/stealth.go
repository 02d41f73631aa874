package login

import (
	"context"

	"browser-auth/internal/browser"
)

// stealthScript neutralizes the page-level automation fingerprints that
// providers probe before rendering a CAPTCHA: the webdriver flag, empty
// plugin/language lists, headless hardware hints, and the permissions API
// shortcut used to detect headless Chrome.
const stealthScript = `
(() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
	Object.defineProperty(navigator, 'plugins', {
		get: () => [1, 2, 3, 4, 5],
	});
	Object.defineProperty(navigator, 'languages', {
		get: () => ['en-US', 'en'],
	});
	Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8 });
	Object.defineProperty(navigator, 'platform', { get: () => 'MacIntel' });

	const originalQuery = window.navigator.permissions.query;
	window.navigator.permissions.query = (parameters) =>
		parameters.name === 'notifications'
			? Promise.resolve({ state: Notification.permission })
			: originalQuery(parameters);

	window.chrome = window.chrome || { runtime: {} };
})();
`

// ApplyStealth registers the fingerprint-masking script to run before any
// page script on every subsequent navigation.
func ApplyStealth(ctx context.Context, page browser.Page) error {
	return page.AddInitScript(ctx, stealthScript)
}
