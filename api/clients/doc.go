/*
Package clients provides a Go client for the signing agent's HTTP API.

SignerClient covers the control API (vault, accounts, policies, resident
cache) and the caller API. Control calls carry the bearer token given at
construction; the agent mints such tokens from its control secret.

# Example

	client := clients.NewSignerClient("http://127.0.0.1:8080", token)
	if err := client.Unlock(password); err != nil {
		return err
	}
	accounts, err := client.Accounts()

Non-2xx replies are returned as *APIError carrying the status code and the
agent's message.
*/
package clients
