package sandbox

// GetEnv reads a variable from the default session's environment.
func (s *Sandbox) GetEnv(name string) (string, bool) {
	sess := s.driver.Session(defaultSession)
	v, ok := sess.Env[name]
	return v, ok
}

// SetEnv sets a variable in the default session's environment, visible
// to every subsequent Run call and to guests spawned from it.
func (s *Sandbox) SetEnv(name, value string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	s.driver.Session(defaultSession).Env[name] = value
	return nil
}
