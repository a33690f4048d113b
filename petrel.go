// Petrel is a small mail-transfer daemon library for Go.
//
// It implements the server side of ESMTP directly on sockets: line framing,
// the per-connection command state machine, STARTTLS and implicit TLS, AUTH
// PLAIN/LOGIN, SPF checking for unauthenticated senders, DATA and CHUNKING
// message reception into a disk spool, and an outbound courier that resolves
// MX records and relays accepted messages with opportunistic STARTTLS and
// optional DKIM signing.
//
// # Server
//
//	certs := petrel.NewCertificateCache("cert.pem", "key.pem", "")
//	failures, _ := petrel.NewFailureCache(3, 24*time.Hour, nil)
//
//	server, err := petrel.NewServer(petrel.ServerConfig{
//	    Hostname:     "mail.example.com",
//	    Addr:         ":25",
//	    Certificates: certs,
//	    Failures:     failures,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := server.ListenAndServe(); err != petrel.ErrServerClosed {
//	    log.Fatal(err)
//	}
//
// # Relay policy
//
// The Relay type wires the server callbacks to the local user list: an
// authenticated user may submit mail for any destination, which the courier
// delivers directly to the recipient domains' MX hosts; unauthenticated
// senders must pass SPF and may only reach configured local addresses, whose
// mail is forwarded on.
//
// # Client
//
// The client half speaks ESMTP with extension negotiation and is what the
// courier uses for delivery:
//
//	client := petrel.NewClient(petrel.ClientConfig{LocalName: "mail.example.com"})
//	client.DialContext(ctx, "mx.example.org:25")
//	client.Hello()
//	if _, ok := client.Extension(petrel.ExtSTARTTLS); ok {
//	    client.StartTLS()
//	    client.Hello()
//	}
//	client.Mail(from, petrel.MailOptions{})
//	client.Rcpt(to)
//	client.Data(strings.NewReader(message))
//	client.Quit()
package petrel
