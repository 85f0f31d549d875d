/*
Package health checks supervised services.

A service definition may carry a health check:

	services:
	  - name: api
	    command: ./api
	    health:
	      type: http
	      url: http://127.0.0.1:8080/healthz
	      interval: 10s
	      retries: 3
	  - name: cache
	    command: redis-server
	    health:
	      type: tcp
	      address: 127.0.0.1:6379
	      send: PING
	      expect: +PONG

The server runs a Monitor for every running instance. The monitor waits for
the start period, then calls the Checker every interval. After Retries
consecutive failures the service is unhealthy and the server stops its
process, which the scheduler restarts like any other unexpected exit.
*/
package health
