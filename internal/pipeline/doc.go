// Package pipeline is the explicit request pipeline every backend call
// goes through.
//
// A Doer sends one HTTP request. Stages wrap a Doer and are composed with
// Chain; the first stage listed is the outermost. The standard chain built
// by New is:
//
//	apikey -> credentials -> classification -> logging -> metrics -> transport
//
// The credential stage reads the current access token from its source on
// every call, so a token refreshed between two calls is picked up without
// rebuilding anything. With no token the request goes out unauthenticated
// and the backend decides.
//
// The classification stage turns HTTP outcomes into the console's error
// taxonomy: 401 becomes ErrCredentialExpiredOrInvalid, anything else that
// is not 2xx (and every transport failure) becomes ErrRequestFailed. Both
// arrive wrapped in a *StatusError carrying the backend's error body.
// Nothing is retried.
package pipeline
