// Package oauth2 owns the credential lifecycle for the tax authority API.
//
// # Components
//
//   - TokenSet: one OAuth token response plus its issuance time. Expiry is
//     derived, never stored, and a set is replaced wholesale on refresh.
//   - TokenStore: save/load/clear of the current set. MemoryTokenStore is for
//     tests, SettingsTokenStore keeps an encrypted record in the settings
//     table, RedisTokenStore keeps it in Redis.
//   - Manager: hands out a usable bearer token, refreshing reactively when the
//     token is expired or has under five minutes left, and proactively at
//     startup when less than half its lifetime remains. Irrecoverable refresh
//     failures clear the store and reset session verification.
//   - Resolver: derives the ConnectionState from the stored tokens, the
//     session flag and the synced profile identifiers.
//   - HTTPRefresher: exchanges a refresh token at the token endpoint.
//
// # Usage
//
//	sess := session.New()
//	store := oauth2.NewSettingsTokenStore(db, encryptor)
//	refresher := oauth2.NewHTTPRefresher(oauth2.RefresherConfig{
//	    TokenURL:     cfg.OAuthTokenURL,
//	    ClientID:     cfg.OAuthClientID,
//	    ClientSecret: cfg.OAuthClientSecret,
//	})
//	manager := oauth2.NewManager(store, refresher, sess)
//	if _, err := manager.RestoreOnStartup(ctx); err != nil { ... }
//
//	token, err := manager.GetValidToken(ctx, false)
//	switch errors.KindOf(err) {
//	case errors.KindNotConnected, errors.KindRefreshFailed:
//	    // a fresh authorization is required
//	}
//
//	resolver := oauth2.NewResolver(manager, profile)
package oauth2
