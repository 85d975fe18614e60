package cli

// defaultConfigFileContent is used when no configuration file is found.
const defaultConfigFileContent = `version: 1

server:
  realm: localhost
  software: turnd
  reuseport: true
  workers: 100
  interfaces:
    - transport: udp
      bind: 127.0.0.1:3478
      external: 127.0.0.1:3478
  port_range:
    start: 49152
    end: 65535
  # prometheus:
  #   addr: 127.0.0.1:9100
  # pprof: 127.0.0.1:6060

session:
  lifetime: 600
  max_lifetime: 3600
  channel_lifetime: 600
  nonce_lifetime: 3600

auth:
  # hooks: true
  # secret: shared-secret
  static:
    - username: user1
      password: test

# api:
#   addr: 127.0.0.1:3000

# hooks:
#   endpoint: http://127.0.0.1:8080/turn
#   timeout: 5

filter:
  peer:
    action: allow
    rules: []
  client:
    action: allow
    rules: []
`
