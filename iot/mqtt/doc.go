/*Package mqtt provides the MQTT transports of the service.

There are two of them, both implementing messaging.Transport:

Client connects to a remote broker, for example a cloud hosted one, and
subscribes to every topic of the router. The connection is kept alive with a
fixed reconnect period and resubscribed after each reconnect. Messages that
arrive while the client is disconnected are not replayed.

Broker is an embedded broker that sensor gateways connect to directly.
Messages published to a routed topic are handed to the router and
delivered to the broker's other subscribers as usual. Control commands are
published through the broker itself.

Both publish with quality level 1.
*/
package mqtt
