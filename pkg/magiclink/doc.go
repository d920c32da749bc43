// Package magiclink issues and redeems single-use sign-in and
// password-reset tokens backed by Redis.
//
// A token is 32 random bytes encoded base64url with a purpose prefix. Only
// its SHA-256 hash is stored, under a key that expires with the token, so a
// leaked Redis snapshot cannot be replayed. Redeeming uses GETDEL: two
// concurrent redemptions of the same token cannot both succeed.
//
//	issuer := magiclink.NewIssuer(rdb, dispatcher, "https://backoffice.example.com")
//	link, err := issuer.SendMagicLink(ctx, "ana@example.com", "user-123")
//	...
//	grant, err := issuer.Redeem(ctx, magiclink.PurposeMagicLink, token)
package magiclink
