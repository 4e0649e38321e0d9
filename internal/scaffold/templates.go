package scaffold

// Templates for `process-herder scaffold`.

const minimalTemplate = `# process-herder configuration
agent:
  logLevel: info
  logFormat: json
  stateDir: .process-herder
  workspaceRoot: .

processes: []
`

const fullTemplate = `# process-herder configuration
agent:
  logLevel: info
  logFormat: json
  stateDir: .process-herder
  workspaceRoot: .
  persistIntervalMs: 5000
  retentionTtlMs: 600000
  crashGraceMs: 5000
  sampleIntervalMs: 2000
  metricsEnabled: true
  metricsPort: 9090
  tracingEnabled: false
  tracingExporter: none
  snapshotBackend: json

processes:
  - name: backend
    command: npm
    args: ["run", "api"]
    cwd: .
    role: backend
    singleton: true
    stopOnShutdown: true
    readiness:
      kind: port
      port: 3100
      timeoutMs: 20000
      intervalMs: 250

  - name: frontend
    command: npm
    args: ["run", "dev"]
    cwd: .
    role: frontend
    singleton: true
    readiness:
      kind: http
      url: http://localhost:3200
      timeoutMs: 20000

recoveryStrategies:
  - name: restart-backend
    target: backend
    enabled: true
    maxAttempts: 3
    cooldownMs: 60000
    conditions:
      - metric: healthScore
        op: lt
        value: 30
        durationMs: 10000
    actions:
      - type: notify
      - type: restart
        delayMs: 1000
`
