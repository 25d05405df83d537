package lms

import (
	"net/url"
)

// Site describes the page structure and login flow of one LMS deployment.
type Site struct {
	BaseUrl string `json:"base_url"`
	// IdentityProviderHost is the host of the external login (WAYF) form.
	IdentityProviderHost string `json:"identity_provider_host"`
	// LoginPath is where the LMS sends logged out users with a javascript redirect.
	LoginPath string `json:"login_path"`
	// SSOPath is the shibboleth entry point that LoginPath redirects get rewritten to.
	SSOPath        string `json:"sso_path"`
	AuthProviderID string `json:"auth_provider_id"`
	// ReloginReturnUrl logs the user out when requested, so it is never used as a return url.
	ReloginReturnUrl string `json:"relogin_return_url"`
	// BadCredentialsMarker is the text the identity provider shows on a wrong password.
	BadCredentialsMarker string `json:"bad_credentials_marker"`
	// LoggedOutHref is a link that only appears on logged out pages.
	LoggedOutHref string `json:"logged_out_href"`
	LoginLabelID  string `json:"login_label_id"`
	LogoutLabelID string `json:"logout_label_id"`

	DataTableID   string `json:"data_table_id"`
	NextPageID    string `json:"next_page_id"`
	TablePageSize int    `json:"table_page_size"`
}

// DefaultSite is Aarhus University's Blackboard.
func DefaultSite() Site {
	return Site{
		BaseUrl:              "https://bb.au.dk",
		IdentityProviderHost: "wayf.au.dk",
		LoginPath:            "/webapps/login/",
		SSOPath:              "/webapps/bb-auth-provider-shibboleth-BBLEARN/execute/shibbolethLogin",
		AuthProviderID:       "_102_1",
		ReloginReturnUrl:     "/webapps/login/?action=relogin",
		BadCredentialsMarker: "Forkert brugernavn eller kodeord",
		LoggedOutHref:        "/webapps/portal/execute/tabs/tabAction?tab_tab_group_id=_21_1",
		LoginLabelID:         "topframe.login.label",
		LogoutLabelID:        "topframe.logout.label",
		DataTableID:          "listContainer_datatable",
		NextPageID:           "listContainer_nextpage_top",
		TablePageSize:        1000,
	}
}

func (s Site) base() (*url.URL, error) {
	return url.Parse(s.BaseUrl)
}

// ssoUrl is the shibboleth entry point that returns to returnUrl after login.
func (s Site) ssoUrl(base *url.URL, returnUrl string) *url.URL {
	u := base.ResolveReference(&url.URL{Path: s.SSOPath})
	q := url.Values{}
	q.Set("returnUrl", returnUrl)
	q.Set("authProviderId", s.AuthProviderID)
	u.RawQuery = q.Encode()
	return u
}

// reloginUrl is fetched to reestablish an expired session.
func (s Site) reloginUrl(base *url.URL) *url.URL {
	u := base.ResolveReference(&url.URL{Path: s.SSOPath})
	q := url.Values{}
	q.Set("authProviderId", s.AuthProviderID)
	u.RawQuery = q.Encode()
	return u
}
